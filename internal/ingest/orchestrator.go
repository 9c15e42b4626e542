package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fundscrape/fund-acquisition/internal/models"
)

// OrchestratorConfig controls batching, concurrency and retry policy.
type OrchestratorConfig struct {
	BatchSize       int
	Concurrency     int
	BatchInterval   time.Duration
	FetchTimeout    time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		BatchSize:       20,
		Concurrency:     4,
		BatchInterval:   2 * time.Second,
		FetchTimeout:    15 * time.Second,
		MaxRetries:      3,
		RetryBackoff:    500 * time.Millisecond,
		MaxRetryBackoff: 10 * time.Second,
	}
}

func (c OrchestratorConfig) normalized() OrchestratorConfig {
	def := DefaultOrchestratorConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.BatchInterval < 0 {
		c.BatchInterval = 0
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = def.MaxRetryBackoff
	}
	return c
}

// Resolver finds the adapter for a source id.
type Resolver interface {
	Resolve(sourceID string) (Adapter, error)
}

// Request asks for one data type of a set of funds from one source.
type Request struct {
	SourceID string
	DataType models.DataType
	Scope    models.Scope
}

// CatalogResult summarizes a fund catalog import.
type CatalogResult struct {
	SourceID string `json:"source"`
	Listed   int    `json:"listed"`
	Added    int    `json:"added"`
	Updated  int    `json:"updated"`
}

type activeRun struct {
	stop      context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// Orchestrator runs acquisition tasks in the background and records every
// outcome in the ledger.
type Orchestrator struct {
	resolver Resolver
	ledger   Ledger
	gateway  Gateway
	cfg      OrchestratorConfig

	mu   sync.Mutex
	runs map[string]*activeRun
	wg   sync.WaitGroup
}

func NewOrchestrator(resolver Resolver, ledger Ledger, gateway Gateway, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		resolver: resolver,
		ledger:   ledger,
		gateway:  gateway,
		cfg:      cfg.normalized(),
		runs:     make(map[string]*activeRun),
	}
}

// Run opens a task and starts it in the background. The returned error is
// non-nil only when the task could not be created; every other failure is
// recorded on the task itself.
func (o *Orchestrator) Run(ctx context.Context, req Request) (string, error) {
	task, err := o.ledger.CreateTask(ctx, req.SourceID, req.DataType, req.Scope)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	log.Printf("[Orchestrator] task %s created: source=%s type=%s scope=%s", task.ID, req.SourceID, req.DataType, req.Scope)

	if !req.DataType.Valid() {
		o.abort(ctx, task.ID, fmt.Errorf("%w: %q", ErrUnsupportedDataType, req.DataType))
		return task.ID, nil
	}

	adapter, err := o.resolver.Resolve(req.SourceID)
	if err != nil {
		o.abort(ctx, task.ID, err)
		return task.ID, nil
	}

	codes, err := o.expandScope(ctx, req.Scope)
	if err != nil {
		o.abort(ctx, task.ID, err)
		return task.ID, nil
	}

	// The run is registered before the task turns running so Cancel never
	// sees a running task it cannot reach.
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	r := &activeRun{stop: stop, done: make(chan struct{})}
	o.mu.Lock()
	o.runs[task.ID] = r
	o.mu.Unlock()

	if err := o.ledger.StartTask(ctx, task.ID, len(codes)); err != nil {
		o.mu.Lock()
		delete(o.runs, task.ID)
		o.mu.Unlock()
		stop()
		o.abort(ctx, task.ID, fmt.Errorf("start task: %w", err))
		close(r.done)
		return task.ID, nil
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(r.done)
		defer stop()
		o.execute(runCtx, r, itemJob{taskID: task.ID, sourceID: req.SourceID, dataType: req.DataType, adapter: adapter}, codes)

		o.mu.Lock()
		delete(o.runs, task.ID)
		o.mu.Unlock()
	}()

	return task.ID, nil
}

func (o *Orchestrator) expandScope(ctx context.Context, scope models.Scope) ([]string, error) {
	var codes []string
	if scope.All {
		known, err := o.gateway.ListKnownFunds(ctx)
		if err != nil {
			return nil, fmt.Errorf("list known funds: %w", err)
		}
		codes = models.NormalizeFundCodes(known)
	} else {
		codes = models.NormalizeFundCodes(scope.FundCodes)
	}
	if len(codes) == 0 {
		return nil, errors.New("scope resolved to no funds")
	}
	return codes, nil
}

// abort finalizes a task that never dispatched any item.
func (o *Orchestrator) abort(ctx context.Context, taskID string, cause error) {
	log.Printf("[Orchestrator] task %s aborted before dispatch: %v", taskID, cause)
	if _, err := o.ledger.FinalizeTask(context.WithoutCancel(ctx), taskID, models.FinalizeOptions{Error: cause.Error()}); err != nil {
		log.Printf("[Orchestrator] task %s: finalize failed: %v", taskID, err)
	}
}

// itemJob is what every item of one task shares.
type itemJob struct {
	taskID   string
	sourceID string
	dataType models.DataType
	adapter  Adapter
}

// execute walks the scope in batches. Cancelling ctx stops dispatch; items
// already started run to completion on a context that ignores it.
func (o *Orchestrator) execute(ctx context.Context, r *activeRun, job itemJob, codes []string) {
	taskID := job.taskID
	start := time.Now()
	workCtx := context.WithoutCancel(ctx)

dispatch:
	for offset := 0; offset < len(codes); offset += o.cfg.BatchSize {
		if offset > 0 && !sleepCtx(ctx, o.cfg.BatchInterval) {
			break
		}
		end := offset + o.cfg.BatchSize
		if end > len(codes) {
			end = len(codes)
		}

		g := new(errgroup.Group)
		g.SetLimit(o.cfg.Concurrency)
		for _, code := range codes[offset:end] {
			if ctx.Err() != nil {
				_ = g.Wait()
				break dispatch
			}
			g.Go(func() error {
				// g.Go may have waited for a slot; a cancel during that wait
				// must not start the item.
				if ctx.Err() != nil {
					return nil
				}
				o.processItem(ctx, workCtx, job, code)
				return nil
			})
		}
		_ = g.Wait()
	}

	opts := models.FinalizeOptions{Cancelled: r.cancelled.Load()}
	if opts.Cancelled {
		opts.Error = "cancelled"
	}
	task, err := o.ledger.FinalizeTask(workCtx, taskID, opts)
	if err != nil {
		log.Printf("[Orchestrator] task %s: finalize failed: %v", taskID, err)
		return
	}
	log.Printf("[Orchestrator] task %s finished: status=%s total=%d succeeded=%d failed=%d duration=%s",
		taskID, task.Status, task.Total, task.Succeeded, task.Failed, time.Since(start).Round(time.Millisecond))
}

func (o *Orchestrator) processItem(ctx, workCtx context.Context, job itemJob, code string) {
	taskID := job.taskID
	outcome := models.ItemOutcome{TaskID: taskID, FundCode: code, Status: models.ItemSucceeded}

	err := o.acquire(ctx, workCtx, job, code, &outcome.Attempts)
	if err != nil {
		outcome.Status = models.ItemFailed
		outcome.ErrorKind = ErrorKindOf(err)
		outcome.ErrorMessage = err.Error()
		log.Printf("[Orchestrator] task %s fund %s failed after %d attempt(s): %v", taskID, code, outcome.Attempts, err)
	}
	outcome.RecordedAt = time.Now().UTC()

	if err := o.ledger.RecordItem(workCtx, taskID, outcome); err != nil {
		log.Printf("[Orchestrator] task %s fund %s: record outcome: %v", taskID, code, err)
	}
}

// acquire performs build, fetch with retries, parse and persistence for
// one fund.
func (o *Orchestrator) acquire(ctx, workCtx context.Context, job itemJob, code string, attempts *int) error {
	url, err := job.adapter.BuildURL(code, job.dataType)
	if err != nil {
		return err
	}

	var raw []byte
	for {
		*attempts++
		raw, err = o.fetchOnce(workCtx, job.adapter, url)
		if err == nil {
			break
		}
		if !IsRetryable(err) || *attempts > o.cfg.MaxRetries {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry abandoned after cancellation: %w", err)
		}
		wait := o.backoff(*attempts)
		log.Printf("[Orchestrator] task %s fund %s attempt %d/%d: %v; retrying in %s",
			job.taskID, code, *attempts, o.cfg.MaxRetries+1, err, wait)
		if !sleepCtx(ctx, wait) {
			return fmt.Errorf("retry abandoned after cancellation: %w", err)
		}
	}

	records, err := job.adapter.Parse(raw, job.dataType)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rawID, err := o.gateway.SaveRawPayload(workCtx, models.RawPayload{
		SourceID:  job.sourceID,
		FundCode:  code,
		DataType:  job.dataType,
		URL:       url,
		Content:   raw,
		FetchedAt: now,
	})
	if err != nil {
		return storageError("save raw payload", err)
	}

	if err := o.gateway.SaveStructuredRecord(workCtx, models.StructuredRecord{
		SourceID:     job.sourceID,
		FundCode:     code,
		DataType:     job.dataType,
		RawPayloadID: rawID,
		Records:      records,
		UpdatedAt:    now,
	}); err != nil {
		return storageError("save structured record", err)
	}
	return nil
}

// fetchOnce bounds a single fetch by FetchTimeout. A deadline hit is a
// retryable network error whatever the adapter returned.
func (o *Orchestrator) fetchOnce(ctx context.Context, adapter Adapter, url string) ([]byte, error) {
	fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	raw, err := adapter.Fetch(fctx, url)
	if err == nil {
		return raw, nil
	}
	var se *SourceError
	if errors.As(err, &se) {
		return nil, err
	}
	if errors.Is(fctx.Err(), context.DeadlineExceeded) {
		return nil, NewTimeoutError(url, err)
	}
	return nil, classifyTransportError(url, err)
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	if o.cfg.RetryBackoff <= 0 {
		return 0
	}
	d := o.cfg.RetryBackoff << uint(attempt-1)
	if d <= 0 || d > o.cfg.MaxRetryBackoff {
		d = o.cfg.MaxRetryBackoff
	}
	if jitterMax := int64(d / 4); jitterMax > 0 {
		d += time.Duration(rand.Int63n(jitterMax))
	}
	if d > o.cfg.MaxRetryBackoff {
		d = o.cfg.MaxRetryBackoff
	}
	return d
}

// Cancel stops dispatching new items for a running task. In-flight items
// finish and the task is finalized as cancelled.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	r, ok := o.runs[taskID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", taskID, models.ErrTaskNotRunning)
	}
	if r.cancelled.CompareAndSwap(false, true) {
		log.Printf("[Orchestrator] task %s: cancellation requested", taskID)
	}
	r.stop()
	return nil
}

// Wait blocks until the task's run has been finalized or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) (*models.Task, error) {
	o.mu.Lock()
	r, ok := o.runs[taskID]
	o.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.ledger.GetTask(ctx, taskID)
}

// Running returns the ids of tasks currently executing.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels every running task and waits for them to finalize.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	for _, id := range o.Running() {
		_ = o.Cancel(id)
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// ImportCatalog refreshes the fund catalog from a source that can list its
// funds.
func (o *Orchestrator) ImportCatalog(ctx context.Context, sourceID string) (*CatalogResult, error) {
	adapter, err := o.resolver.Resolve(sourceID)
	if err != nil {
		return nil, err
	}
	cataloger, ok := adapter.(Cataloger)
	if !ok {
		return nil, fmt.Errorf("%s: %w", sourceID, ErrNotCataloger)
	}
	listings, err := cataloger.ListFunds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list funds from %s: %w", sourceID, err)
	}
	added, updated, err := o.gateway.UpsertFunds(ctx, listings)
	if err != nil {
		return nil, storageError("upsert fund catalog", err)
	}
	log.Printf("[Orchestrator] catalog import from %s: listed=%d added=%d updated=%d", sourceID, len(listings), added, updated)
	return &CatalogResult{SourceID: sourceID, Listed: len(listings), Added: added, Updated: updated}, nil
}

func storageError(op string, err error) error {
	return &SourceError{Kind: models.ErrorKindStorage, Message: op, Err: err}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
