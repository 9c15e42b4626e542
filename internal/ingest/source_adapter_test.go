package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"strings"
	"testing"

	"github.com/fundscrape/fund-acquisition/internal/models"
)

type stubResponse struct {
	status int
	body   string
	err    error
}

// stubFetcher serves canned responses by URL and counts requests.
type stubFetcher struct {
	mu        sync.Mutex
	responses map[string]stubResponse
	calls     map[string]int
}

func (s *stubFetcher) set(url string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.responses == nil {
		s.responses = make(map[string]stubResponse)
	}
	s.responses[url] = stubResponse{status: status, body: body}
}

func (s *stubFetcher) fail(url string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.responses == nil {
		s.responses = make(map[string]stubResponse)
	}
	s.responses[url] = stubResponse{err: err}
}

func (s *stubFetcher) Fetch(ctx context.Context, url string) (*FetchedDocument, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[url]++
	resp, ok := s.responses[url]
	s.mu.Unlock()

	if !ok {
		resp = stubResponse{status: http.StatusNotFound}
	}
	if resp.err != nil {
		return nil, resp.err
	}
	return &FetchedDocument{
		URL:        url,
		StatusCode: resp.status,
		Body:       io.NopCloser(bytes.NewReader([]byte(resp.body))),
	}, nil
}

func TestBaseAdapterFetch(t *testing.T) {
	f := &stubFetcher{}
	f.set("http://p.test/ok", 200, "payload")
	f.set("http://p.test/gone", 404, "")
	f.set("http://p.test/busy", 503, "")
	f.fail("http://p.test/down", errors.New("connection refused"))
	f.fail("http://p.test/slow", context.DeadlineExceeded)

	a := &baseAdapter{id: "providerA", fetcher: f}
	ctx := context.Background()

	raw, err := a.Fetch(ctx, "http://p.test/ok")
	if err != nil || string(raw) != "payload" {
		t.Fatalf("Fetch ok = %q, %v", raw, err)
	}

	tests := []struct {
		url       string
		retryable bool
	}{
		{"http://p.test/gone", false},
		{"http://p.test/busy", true},
		{"http://p.test/down", true},
		{"http://p.test/slow", true},
	}
	for _, tt := range tests {
		_, err := a.Fetch(ctx, tt.url)
		if !errors.Is(err, ErrNetwork) {
			t.Fatalf("%s: expected network error, got %v", tt.url, err)
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s: retryable = %v, want %v", tt.url, IsRetryable(err), tt.retryable)
		}
		var se *SourceError
		if errors.As(err, &se) && se.Source != "providerA" {
			t.Errorf("%s: source = %q", tt.url, se.Source)
		}
	}
}

func TestBaseAdapterFetchRejectsOversizedBody(t *testing.T) {
	f := &stubFetcher{}
	f.set("http://p.test/limit", 200, strings.Repeat("a", maxPayloadBytes))
	f.set("http://p.test/huge", 200, strings.Repeat("a", maxPayloadBytes+1))
	a := &baseAdapter{id: "providerA", fetcher: f}

	raw, err := a.Fetch(context.Background(), "http://p.test/limit")
	if err != nil || len(raw) != maxPayloadBytes {
		t.Fatalf("body at the limit: len=%d err=%v", len(raw), err)
	}

	raw, err = a.Fetch(context.Background(), "http://p.test/huge")
	if raw != nil || !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("oversized body: len=%d err=%v", len(raw), err)
	}
	if IsRetryable(err) {
		t.Error("oversized body should not be retried")
	}
}

func TestAdaptersBuildURLForEveryDataType(t *testing.T) {
	f := &stubFetcher{}
	em, _ := NewEastmoneyAdapter(SourceConfig{ID: "eastmoney"}, f)
	tt, _ := NewTiantianAdapter(SourceConfig{ID: "tiantian"}, f)

	for _, dt := range models.AllDataTypes() {
		if _, err := em.BuildURL("000001", dt); err != nil {
			t.Errorf("eastmoney %s: %v", dt, err)
		}
		_, err := tt.BuildURL("000001", dt)
		if dt == models.DataTypeHoldings {
			if !errors.Is(err, ErrUnsupportedDataType) {
				t.Errorf("tiantian holdings: expected unsupported, got %v", err)
			}
			continue
		}
		if err != nil {
			t.Errorf("tiantian %s: %v", dt, err)
		}
	}

	for _, a := range []Adapter{em, tt} {
		if _, err := a.BuildURL("000001", models.DataType("dividends")); !errors.Is(err, ErrUnsupportedDataType) {
			t.Errorf("unknown data type: got %v", err)
		}
		if _, err := a.BuildURL(" ", models.DataTypeBasicInfo); err == nil {
			t.Error("empty fund code accepted")
		}
	}
}
