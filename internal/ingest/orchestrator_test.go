package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundscrape/fund-acquisition/internal/db"
	"github.com/fundscrape/fund-acquisition/internal/models"
)

var (
	_ Ledger  = (*db.MemoryStore)(nil)
	_ Gateway = (*db.MemoryStore)(nil)
	_ Ledger  = (*db.Store)(nil)
	_ Gateway = (*db.Store)(nil)
)

// fakeAdapter serves "ok:<code>" for every fund unless fetch overrides it.
// Payloads starting with "garbage" fail to parse.
type fakeAdapter struct {
	mu          sync.Mutex
	calls       map[string]int
	fetch       func(ctx context.Context, code string, call int) ([]byte, error)
	unsupported map[models.DataType]bool
	listings    []models.FundListing
}

func (f *fakeAdapter) BuildURL(code string, dt models.DataType) (string, error) {
	if f.unsupported[dt] {
		return "", unsupportedDataType("providerA", dt)
	}
	return "fake://providerA/" + string(dt) + "/" + code, nil
}

func (f *fakeAdapter) Fetch(ctx context.Context, url string) ([]byte, error) {
	code := url[strings.LastIndex(url, "/")+1:]
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[code]++
	call := f.calls[code]
	f.mu.Unlock()

	if f.fetch != nil {
		return f.fetch(ctx, code, call)
	}
	return []byte("ok:" + code), nil
}

func (f *fakeAdapter) Parse(raw []byte, dt models.DataType) ([]models.Record, error) {
	if strings.HasPrefix(string(raw), "garbage") {
		return nil, NewMalformedResponse("providerA", dt, "unparseable payload")
	}
	code := strings.TrimPrefix(string(raw), "ok:")
	return []models.Record{&models.FundBasic{Code: code, Name: "Fund " + code, LatestNAV: decimal.NewFromInt(1)}}, nil
}

func (f *fakeAdapter) callCount(code string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[code]
}

type catalogAdapter struct {
	*fakeAdapter
}

func (c catalogAdapter) ListFunds(ctx context.Context) ([]models.FundListing, error) {
	return c.listings, nil
}

func testConfig() OrchestratorConfig {
	return OrchestratorConfig{
		BatchSize:       10,
		Concurrency:     4,
		FetchTimeout:    100 * time.Millisecond,
		MaxRetries:      3,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: 5 * time.Millisecond,
	}
}

func newTestOrchestrator(t *testing.T, adapter Adapter, cfg OrchestratorConfig) (*Orchestrator, *db.MemoryStore) {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register("providerA", adapter); err != nil {
		t.Fatalf("Register: %v", err)
	}
	reg.Seal()
	store := db.NewMemoryStore()
	return NewOrchestrator(reg, store, store, cfg), store
}

func runAndWait(t *testing.T, o *Orchestrator, req Request) *models.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := o.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	task, err := o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return task
}

func itemsByCode(t *testing.T, store *db.MemoryStore, taskID string) map[string]models.ItemOutcome {
	t.Helper()
	items, err := store.ListTaskItems(context.Background(), taskID)
	if err != nil {
		t.Fatalf("ListTaskItems: %v", err)
	}
	out := make(map[string]models.ItemOutcome, len(items))
	for _, it := range items {
		out[it.FundCode] = it
	}
	return out
}

func TestOrchestrator_SucceedsAfterTimeouts(t *testing.T) {
	adapter := &fakeAdapter{
		fetch: func(ctx context.Context, code string, call int) ([]byte, error) {
			if code == "F002" && call <= 2 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return []byte("ok:" + code), nil
		},
	}
	o, store := newTestOrchestrator(t, adapter, testConfig())

	task := runAndWait(t, o, Request{SourceID: "providerA", DataType: models.DataTypeBasicInfo, Scope: models.FundScope("F001", "F002")})
	if task.Status != models.TaskSucceeded {
		t.Fatalf("status = %s, want succeeded", task.Status)
	}
	if task.Total != 2 || task.Succeeded != 2 || task.Planned != 2 {
		t.Fatalf("counts = %+v", task)
	}

	items := itemsByCode(t, store, task.ID)
	if items["F002"].Attempts != 3 {
		t.Fatalf("F002 attempts = %d, want 3", items["F002"].Attempts)
	}
	if items["F001"].Attempts != 1 {
		t.Fatalf("F001 attempts = %d, want 1", items["F001"].Attempts)
	}
	if _, ok := store.StructuredRecord("providerA", "F002", models.DataTypeBasicInfo); !ok {
		t.Fatal("structured record for F002 missing")
	}
}

func TestOrchestrator_RetriesExhausted(t *testing.T) {
	adapter := &fakeAdapter{
		fetch: func(ctx context.Context, code string, call int) ([]byte, error) {
			return nil, NewStatusError("fake://"+code, http.StatusServiceUnavailable)
		},
	}
	cfg := testConfig()
	cfg.MaxRetries = 2
	o, store := newTestOrchestrator(t, adapter, cfg)

	task := runAndWait(t, o, Request{SourceID: "providerA", DataType: models.DataTypeBasicInfo, Scope: models.FundScope("F001")})
	if task.Status != models.TaskFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	item := itemsByCode(t, store, task.ID)["F001"]
	if item.Attempts != 3 || item.ErrorKind != models.ErrorKindNetwork {
		t.Fatalf("item = %+v", item)
	}
	if adapter.callCount("F001") != 3 {
		t.Fatalf("fetch calls = %d", adapter.callCount("F001"))
	}
}

func TestOrchestrator_MalformedIsNotRetried(t *testing.T) {
	adapter := &fakeAdapter{
		fetch: func(ctx context.Context, code string, call int) ([]byte, error) {
			return []byte("garbage"), nil
		},
	}
	o, store := newTestOrchestrator(t, adapter, testConfig())

	task := runAndWait(t, o, Request{SourceID: "providerA", DataType: models.DataTypeDailySeries, Scope: models.FundScope("F001")})
	item := itemsByCode(t, store, task.ID)["F001"]
	if item.Status != models.ItemFailed || item.ErrorKind != models.ErrorKindMalformedResponse || item.Attempts != 1 {
		t.Fatalf("item = %+v", item)
	}
	if adapter.callCount("F001") != 1 {
		t.Fatalf("malformed payload fetched %d times", adapter.callCount("F001"))
	}
	if len(store.RawPayloads("providerA", "F001", models.DataTypeDailySeries)) != 0 {
		t.Fatal("unparseable payload should not be stored")
	}
}

func TestOrchestrator_PartialFailure(t *testing.T) {
	adapter := &fakeAdapter{
		fetch: func(ctx context.Context, code string, call int) ([]byte, error) {
			if code == "F404" {
				return nil, NewStatusError("fake://"+code, http.StatusNotFound)
			}
			return []byte("ok:" + code), nil
		},
	}
	o, store := newTestOrchestrator(t, adapter, testConfig())

	task := runAndWait(t, o, Request{SourceID: "providerA", DataType: models.DataTypeBasicInfo, Scope: models.FundScope("F001", "F404", "F003")})
	if task.Status != models.TaskPartiallyFailed {
		t.Fatalf("status = %s", task.Status)
	}
	if task.Succeeded != 2 || task.Failed != 1 {
		t.Fatalf("counts = %+v", task)
	}
	item := itemsByCode(t, store, task.ID)["F404"]
	if item.Attempts != 1 || !strings.Contains(item.ErrorMessage, "404") {
		t.Fatalf("F404 item = %+v", item)
	}
}

func TestOrchestrator_UnknownSource(t *testing.T) {
	o, store := newTestOrchestrator(t, &fakeAdapter{}, testConfig())

	task := runAndWait(t, o, Request{SourceID: "ghost", DataType: models.DataTypeBasicInfo, Scope: models.FundScope("F001")})
	if task.Status != models.TaskFailed {
		t.Fatalf("status = %s", task.Status)
	}
	if task.StartedAt != nil {
		t.Fatal("task should never have started")
	}
	if !strings.Contains(task.Error, "ghost") {
		t.Fatalf("error should name the source: %q", task.Error)
	}
	if items, _ := store.ListTaskItems(context.Background(), task.ID); len(items) != 0 {
		t.Fatalf("items = %d", len(items))
	}
}

func TestOrchestrator_InvalidDataType(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeAdapter{}, testConfig())
	task := runAndWait(t, o, Request{SourceID: "providerA", DataType: models.DataType("dividends"), Scope: models.FundScope("F001")})
	if task.Status != models.TaskFailed || task.Total != 0 {
		t.Fatalf("task = %+v", task)
	}
}

func TestOrchestrator_UnsupportedDataTypeFailsEveryItem(t *testing.T) {
	adapter := &fakeAdapter{unsupported: map[models.DataType]bool{models.DataTypeHoldings: true}}
	o, store := newTestOrchestrator(t, adapter, testConfig())

	task := runAndWait(t, o, Request{SourceID: "providerA", DataType: models.DataTypeHoldings, Scope: models.FundScope("F001", "F002")})
	if task.Status != models.TaskFailed || task.Failed != 2 {
		t.Fatalf("task = %+v", task)
	}
	for code, item := range itemsByCode(t, store, task.ID) {
		if item.ErrorKind != models.ErrorKindUnsupportedDataType || item.Attempts != 0 {
			t.Fatalf("%s: %+v", code, item)
		}
	}
}

func TestOrchestrator_EmptyCatalog(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeAdapter{}, testConfig())
	task := runAndWait(t, o, Request{SourceID: "providerA", DataType: models.DataTypeBasicInfo, Scope: models.AllFunds()})
	if task.Status != models.TaskFailed || task.Total != 0 {
		t.Fatalf("task = %+v", task)
	}
}

func TestOrchestrator_RerunKeepsRawHistory(t *testing.T) {
	o, store := newTestOrchestrator(t, &fakeAdapter{}, testConfig())
	req := Request{SourceID: "providerA", DataType: models.DataTypeBasicInfo, Scope: models.FundScope("F001")}

	first := runAndWait(t, o, req)
	second := runAndWait(t, o, req)
	if first.ID == second.ID {
		t.Fatal("re-run reused the task id")
	}
	if n := len(store.RawPayloads("providerA", "F001", models.DataTypeBasicInfo)); n != 2 {
		t.Fatalf("raw payloads = %d, want 2", n)
	}
	if store.StructuredCount() != 1 {
		t.Fatalf("structured records = %d, want 1", store.StructuredCount())
	}
	rec, _ := store.StructuredRecord("providerA", "F001", models.DataTypeBasicInfo)
	payloads := store.RawPayloads("providerA", "F001", models.DataTypeBasicInfo)
	if rec.RawPayloadID != payloads[1].ID {
		t.Fatalf("structured record points at payload %d, want %d", rec.RawPayloadID, payloads[1].ID)
	}
}

func TestOrchestrator_CountsStayConsistent(t *testing.T) {
	adapter := &fakeAdapter{
		fetch: func(ctx context.Context, code string, call int) ([]byte, error) {
			var n int
			fmt.Sscanf(code, "F%d", &n)
			if n%2 == 1 {
				return []byte("garbage"), nil
			}
			return []byte("ok:" + code), nil
		},
	}
	cfg := testConfig()
	cfg.BatchSize = 25
	cfg.Concurrency = 8
	o, store := newTestOrchestrator(t, adapter, cfg)

	codes := make([]string, 100)
	for i := range codes {
		codes[i] = fmt.Sprintf("F%03d", i)
	}
	task := runAndWait(t, o, Request{SourceID: "providerA", DataType: models.DataTypeBasicInfo, Scope: models.FundScope(codes...)})
	if task.Total != 100 || task.Succeeded != 50 || task.Failed != 50 {
		t.Fatalf("counts = %+v", task)
	}
	if len(itemsByCode(t, store, task.ID)) != task.Total {
		t.Fatal("item count does not match total")
	}
}

func TestOrchestrator_Cancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	adapter := &fakeAdapter{
		fetch: func(ctx context.Context, code string, call int) ([]byte, error) {
			once.Do(func() { close(started) })
			<-release
			return []byte("ok:" + code), nil
		},
	}
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.Concurrency = 1
	cfg.FetchTimeout = 5 * time.Second
	o, store := newTestOrchestrator(t, adapter, cfg)

	ctx := context.Background()
	id, err := o.Run(ctx, Request{SourceID: "providerA", DataType: models.DataTypeBasicInfo, Scope: models.FundScope("F001", "F002", "F003", "F004")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-started
	if err := o.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)

	task, err := o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if task.Status != models.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", task.Status)
	}
	if task.Total != 1 || task.Succeeded != 1 {
		t.Fatalf("in-flight item should finish and nothing else start: %+v", task)
	}
	if task.Planned != 4 {
		t.Fatalf("planned = %d", task.Planned)
	}
	if _, ok := store.StructuredRecord("providerA", "F001", models.DataTypeBasicInfo); !ok {
		t.Fatal("in-flight item was not persisted")
	}

	if err := o.Cancel(id); !errors.Is(err, models.ErrTaskNotRunning) {
		t.Fatalf("cancel finished task: got %v", err)
	}
}

func TestOrchestrator_CancelWhileWaitingForSlot(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	adapter := &fakeAdapter{
		fetch: func(ctx context.Context, code string, call int) ([]byte, error) {
			once.Do(func() { close(started) })
			<-release
			return []byte("ok:" + code), nil
		},
	}
	cfg := testConfig()
	cfg.BatchSize = 4
	cfg.Concurrency = 1
	cfg.FetchTimeout = 5 * time.Second
	o, store := newTestOrchestrator(t, adapter, cfg)

	ctx := context.Background()
	id, err := o.Run(ctx, Request{SourceID: "providerA", DataType: models.DataTypeBasicInfo, Scope: models.FundScope("F001", "F002", "F003", "F004")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-started
	if err := o.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)

	task, err := o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if task.Status != models.TaskCancelled || task.Total != 1 || task.Succeeded != 1 {
		t.Fatalf("task = %+v, want cancelled with only the in-flight item", task)
	}
	for _, code := range []string{"F002", "F003", "F004"} {
		if n := adapter.callCount(code); n != 0 {
			t.Errorf("%s fetched %d time(s) after cancel", code, n)
		}
		if _, ok := store.StructuredRecord("providerA", code, models.DataTypeBasicInfo); ok {
			t.Errorf("%s persisted after cancel", code)
		}
	}
}

func TestOrchestrator_ConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	adapter := &fakeAdapter{
		fetch: func(ctx context.Context, code string, call int) ([]byte, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return []byte("ok:" + code), nil
		},
	}
	cfg := testConfig()
	cfg.BatchSize = 12
	cfg.Concurrency = 3
	o, _ := newTestOrchestrator(t, adapter, cfg)

	codes := make([]string, 24)
	for i := range codes {
		codes[i] = fmt.Sprintf("F%03d", i)
	}
	task := runAndWait(t, o, Request{SourceID: "providerA", DataType: models.DataTypeBasicInfo, Scope: models.FundScope(codes...)})
	if task.Status != models.TaskSucceeded || task.Total != len(codes) {
		t.Fatalf("task = %+v", task)
	}
	if got := peak.Load(); got > 3 {
		t.Fatalf("peak in-flight fetches = %d, limit 3", got)
	} else if got < 2 {
		t.Fatalf("peak in-flight fetches = %d, items never overlapped", got)
	}
}

func TestOrchestrator_BatchIntervalPacing(t *testing.T) {
	var mu sync.Mutex
	fetchedAt := map[string]time.Time{}
	adapter := &fakeAdapter{
		fetch: func(ctx context.Context, code string, call int) ([]byte, error) {
			mu.Lock()
			fetchedAt[code] = time.Now()
			mu.Unlock()
			return []byte("ok:" + code), nil
		},
	}
	const interval = 100 * time.Millisecond
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.Concurrency = 2
	cfg.BatchInterval = interval
	o, _ := newTestOrchestrator(t, adapter, cfg)

	start := time.Now()
	task := runAndWait(t, o, Request{SourceID: "providerA", DataType: models.DataTypeBasicInfo, Scope: models.FundScope("F001", "F002", "F003", "F004", "F005", "F006")})
	if task.Status != models.TaskSucceeded || task.Total != 6 {
		t.Fatalf("task = %+v", task)
	}

	mu.Lock()
	defer mu.Unlock()
	if first := fetchedAt["F001"].Sub(start); first >= interval {
		t.Errorf("first batch waited %s before dispatch", first)
	}
	batches := [][]string{{"F001", "F002"}, {"F003", "F004"}, {"F005", "F006"}}
	for i := 1; i < len(batches); i++ {
		prevLast := fetchedAt[batches[i-1][0]]
		if t2 := fetchedAt[batches[i-1][1]]; t2.After(prevLast) {
			prevLast = t2
		}
		nextFirst := fetchedAt[batches[i][0]]
		if t2 := fetchedAt[batches[i][1]]; t2.Before(nextFirst) {
			nextFirst = t2
		}
		if gap := nextFirst.Sub(prevLast); gap < interval {
			t.Errorf("batch %d started %s after batch %d, want at least %s", i+1, gap, i, interval)
		}
	}
}

// hookedLedger calls onStart before the store starts the task so
// tests can act while a task is being started.
type hookedLedger struct {
	*db.MemoryStore
	onStart func(taskID string) error
}

func (l *hookedLedger) StartTask(ctx context.Context, taskID string, planned int) error {
	if err := l.onStart(taskID); err != nil {
		return err
	}
	return l.MemoryStore.StartTask(ctx, taskID, planned)
}

func newHookedOrchestrator(t *testing.T, adapter Adapter, onStart func(*Orchestrator, string) error) (*Orchestrator, *db.MemoryStore) {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register("providerA", adapter); err != nil {
		t.Fatalf("Register: %v", err)
	}
	reg.Seal()
	store := db.NewMemoryStore()
	ledger := &hookedLedger{MemoryStore: store}
	o := NewOrchestrator(reg, ledger, store, testConfig())
	ledger.onStart = func(id string) error { return onStart(o, id) }
	return o, store
}

func TestOrchestrator_CancelDuringStart(t *testing.T) {
	adapter := &fakeAdapter{
		fetch: func(ctx context.Context, code string, call int) ([]byte, error) {
			return []byte("ok:" + code), nil
		},
	}
	var cancelErr error
	o, _ := newHookedOrchestrator(t, adapter, func(o *Orchestrator, id string) error {
		cancelErr = o.Cancel(id)
		return nil
	})

	task := runAndWait(t, o, Request{SourceID: "providerA", DataType: models.DataTypeBasicInfo, Scope: models.FundScope("F001", "F002")})
	if cancelErr != nil {
		t.Fatalf("Cancel while starting: %v", cancelErr)
	}
	if task.Status != models.TaskCancelled || task.Total != 0 {
		t.Fatalf("task = %+v, want cancelled before any item", task)
	}
	if n := adapter.callCount("F001"); n != 0 {
		t.Fatalf("F001 fetched %d time(s)", n)
	}
}

func TestOrchestrator_StartFailureReleasesRun(t *testing.T) {
	adapter := &fakeAdapter{
		fetch: func(ctx context.Context, code string, call int) ([]byte, error) {
			return []byte("ok:" + code), nil
		},
	}
	o, _ := newHookedOrchestrator(t, adapter, func(o *Orchestrator, id string) error {
		return errors.New("ledger unavailable")
	})

	task := runAndWait(t, o, Request{SourceID: "providerA", DataType: models.DataTypeBasicInfo, Scope: models.FundScope("F001")})
	if task.Status != models.TaskFailed || !strings.Contains(task.Error, "ledger unavailable") {
		t.Fatalf("task = %+v", task)
	}
	if running := o.Running(); len(running) != 0 {
		t.Fatalf("Running() = %v after failed start", running)
	}
	if err := o.Cancel(task.ID); !errors.Is(err, models.ErrTaskNotRunning) {
		t.Fatalf("Cancel after failed start: %v", err)
	}
}

func TestOrchestrator_CallerContextDoesNotCancelRun(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeAdapter{}, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	id, err := o.Run(ctx, Request{SourceID: "providerA", DataType: models.DataTypeBasicInfo, Scope: models.FundScope("F001", "F002")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	cancel()

	task, err := o.Wait(context.Background(), id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if task.Status != models.TaskSucceeded {
		t.Fatalf("status = %s, want succeeded", task.Status)
	}
}

func TestOrchestrator_Shutdown(t *testing.T) {
	release := make(chan struct{})
	adapter := &fakeAdapter{
		fetch: func(ctx context.Context, code string, call int) ([]byte, error) {
			<-release
			return []byte("ok:" + code), nil
		},
	}
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.Concurrency = 1
	cfg.FetchTimeout = 5 * time.Second
	o, store := newTestOrchestrator(t, adapter, cfg)

	id, err := o.Run(context.Background(), Request{SourceID: "providerA", DataType: models.DataTypeBasicInfo, Scope: models.FundScope("F001", "F002", "F003")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(o.Running()) != 0 {
		t.Fatal("runs left after shutdown")
	}
	task, _ := store.GetTask(ctx, id)
	if task.Status != models.TaskCancelled || !task.Status.Terminal() {
		t.Fatalf("status = %s", task.Status)
	}
}

func TestOrchestrator_ImportCatalog(t *testing.T) {
	adapter := catalogAdapter{&fakeAdapter{listings: []models.FundListing{
		{Code: "F001", Name: "Fund One"},
		{Code: "F002", Name: "Fund Two"},
	}}}
	o, store := newTestOrchestrator(t, adapter, testConfig())
	ctx := context.Background()

	res, err := o.ImportCatalog(ctx, "providerA")
	if err != nil {
		t.Fatalf("ImportCatalog: %v", err)
	}
	if res.Listed != 2 || res.Added != 2 || res.Updated != 0 {
		t.Fatalf("result = %+v", res)
	}
	res, _ = o.ImportCatalog(ctx, "providerA")
	if res.Added != 0 || res.Updated != 2 {
		t.Fatalf("second import = %+v", res)
	}

	task := runAndWait(t, o, Request{SourceID: "providerA", DataType: models.DataTypeBasicInfo, Scope: models.AllFunds()})
	if task.Status != models.TaskSucceeded || task.Total != 2 {
		t.Fatalf("all-funds run = %+v", task)
	}
	if codes, _ := store.ListKnownFunds(ctx); len(codes) != 2 {
		t.Fatalf("known funds = %v", codes)
	}

	plain, _ := newTestOrchestrator(t, &fakeAdapter{}, testConfig())
	if _, err := plain.ImportCatalog(ctx, "providerA"); !errors.Is(err, ErrNotCataloger) {
		t.Fatalf("expected ErrNotCataloger, got %v", err)
	}
	if _, err := plain.ImportCatalog(ctx, "ghost"); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}

func TestOrchestratorBackoff(t *testing.T) {
	o := NewOrchestrator(NewRegistry(), db.NewMemoryStore(), db.NewMemoryStore(), OrchestratorConfig{
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: time.Second,
	})
	for attempt := 1; attempt <= 6; attempt++ {
		d := o.backoff(attempt)
		base := 100 * time.Millisecond << uint(attempt-1)
		if base > time.Second {
			base = time.Second
		}
		if d < base || d > time.Second {
			t.Errorf("backoff(%d) = %s, base %s", attempt, d, base)
		}
	}
}
