package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/fundscrape/fund-acquisition/internal/models"
)

// Adapter is the per-provider contract used by the orchestrator.
type Adapter interface {
	// BuildURL returns the request URL for one fund and data type.
	BuildURL(fundCode string, dataType models.DataType) (string, error)
	// Fetch retrieves the raw bytes at url.
	Fetch(ctx context.Context, url string) ([]byte, error)
	// Parse turns raw bytes into records. It performs no I/O.
	Parse(raw []byte, dataType models.DataType) ([]models.Record, error)
}

// Cataloger is implemented by adapters that can enumerate the funds a
// provider publishes.
type Cataloger interface {
	ListFunds(ctx context.Context) ([]models.FundListing, error)
}

// maxPayloadBytes bounds a single response body. Larger bodies are
// rejected rather than cut short.
const maxPayloadBytes = 8 << 20

// baseAdapter holds the fetch plumbing shared by provider adapters.
type baseAdapter struct {
	id      string
	fetcher Fetcher
}

// Fetch reads the whole response body and maps any failure to a network
// SourceError.
func (a *baseAdapter) Fetch(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	doc, err := a.fetcher.Fetch(ctx, url)
	if err != nil {
		se := classifyTransportError(url, err)
		se.Source = a.id
		return nil, se
	}
	defer doc.Body.Close()

	if doc.StatusCode < 200 || doc.StatusCode > 299 {
		se := NewStatusError(url, doc.StatusCode)
		se.Source = a.id
		return nil, se
	}

	payload, err := io.ReadAll(io.LimitReader(doc.Body, maxPayloadBytes+1))
	if err != nil {
		se := classifyTransportError(url, fmt.Errorf("read body: %w", err))
		se.Source = a.id
		return nil, se
	}
	if len(payload) > maxPayloadBytes {
		return nil, &SourceError{
			Kind:    models.ErrorKindMalformedResponse,
			Source:  a.id,
			URL:     url,
			Message: fmt.Sprintf("response body exceeds %d bytes", maxPayloadBytes),
		}
	}
	log.Printf("[%s] fetched %s (%d bytes, %dms)", a.id, url, len(payload), time.Since(start).Milliseconds())
	return payload, nil
}

func (a *baseAdapter) checkCode(fundCode string) error {
	if strings.TrimSpace(fundCode) == "" {
		return fmt.Errorf("%s: empty fund code", a.id)
	}
	return nil
}
