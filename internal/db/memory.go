package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fundscrape/fund-acquisition/internal/models"
)

type recordKey struct {
	source   string
	fund     string
	dataType models.DataType
}

type memTask struct {
	task  models.Task
	items []models.ItemOutcome
	seen  map[string]bool
}

// MemoryStore is an in-process ledger and gateway. One mutex serializes
// every write.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]*memTask
	raw        []models.RawPayload
	structured map[recordKey]models.StructuredRecord
	catalog    map[string]models.FundListing
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*memTask),
		structured: make(map[recordKey]models.StructuredRecord),
		catalog:    make(map[string]models.FundListing),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateTask(ctx context.Context, sourceID string, dataType models.DataType, scope models.Scope) (*models.Task, error) {
	t := models.Task{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		DataType:  dataType,
		Scope:     scope,
		Status:    models.TaskPending,
		CreatedAt: m.now(),
	}
	m.mu.Lock()
	m.tasks[t.ID] = &memTask{task: t, seen: make(map[string]bool)}
	m.mu.Unlock()
	return &t, nil
}

func (m *MemoryStore) StartTask(ctx context.Context, taskID string, planned int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.tasks[taskID]
	if !ok {
		return models.ErrTaskNotFound
	}
	if mt.task.Status.Terminal() {
		return models.ErrTaskAlreadyFinalized
	}
	if mt.task.Status != models.TaskPending {
		return fmt.Errorf("start task %s: status is %s", taskID, mt.task.Status)
	}
	now := m.now()
	mt.task.Status = models.TaskRunning
	mt.task.Planned = planned
	mt.task.StartedAt = &now
	return nil
}

func (m *MemoryStore) RecordItem(ctx context.Context, taskID string, outcome models.ItemOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.tasks[taskID]
	if !ok {
		return models.ErrTaskNotFound
	}
	switch {
	case mt.task.Status.Terminal():
		return models.ErrTaskAlreadyFinalized
	case mt.task.Status != models.TaskRunning:
		return models.ErrTaskNotRunning
	case mt.seen[outcome.FundCode]:
		return fmt.Errorf("%w: %s", models.ErrDuplicateItem, outcome.FundCode)
	}

	outcome.TaskID = taskID
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = m.now()
	}
	mt.items = append(mt.items, outcome)
	mt.seen[outcome.FundCode] = true
	mt.task.Total++
	if outcome.Status == models.ItemSucceeded {
		mt.task.Succeeded++
	} else {
		mt.task.Failed++
	}
	return nil
}

func (m *MemoryStore) FinalizeTask(ctx context.Context, taskID string, opts models.FinalizeOptions) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.tasks[taskID]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	if mt.task.Status.Terminal() {
		return nil, models.ErrTaskAlreadyFinalized
	}
	now := m.now()
	mt.task.Status = models.AggregateStatus(mt.task.Succeeded, mt.task.Failed, opts)
	mt.task.Error = opts.Error
	mt.task.EndedAt = &now
	t := mt.task
	return &t, nil
}

func (m *MemoryStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.tasks[taskID]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	t := mt.task
	return &t, nil
}

func (m *MemoryStore) ListTaskItems(ctx context.Context, taskID string) ([]models.ItemOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.tasks[taskID]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	out := make([]models.ItemOutcome, len(mt.items))
	copy(out, mt.items)
	return out, nil
}

func (m *MemoryStore) ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, int, error) {
	filter = filter.Normalize()
	m.mu.RLock()
	matched := make([]models.Task, 0, len(m.tasks))
	for _, mt := range m.tasks {
		if filter.Matches(mt.task) {
			matched = append(matched, mt.task)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := filter.Offset()
	if start >= total {
		return []models.Task{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *MemoryStore) SaveRawPayload(ctx context.Context, payload models.RawPayload) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload.ID = int64(len(m.raw) + 1)
	payload.Content = append([]byte(nil), payload.Content...)
	if payload.FetchedAt.IsZero() {
		payload.FetchedAt = m.now()
	}
	m.raw = append(m.raw, payload)
	return payload.ID, nil
}

func (m *MemoryStore) SaveStructuredRecord(ctx context.Context, record models.StructuredRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.RawPayloadID <= 0 || record.RawPayloadID > int64(len(m.raw)) {
		return fmt.Errorf("structured record references unknown raw payload %d", record.RawPayloadID)
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = m.now()
	}
	m.structured[recordKey{record.SourceID, record.FundCode, record.DataType}] = record
	return nil
}

func (m *MemoryStore) ListKnownFunds(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	codes := make([]string, 0, len(m.catalog))
	for code := range m.catalog {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, nil
}

func (m *MemoryStore) UpsertFunds(ctx context.Context, listings []models.FundListing) (added, updated int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range listings {
		if l.Code == "" {
			continue
		}
		if _, ok := m.catalog[l.Code]; ok {
			updated++
		} else {
			added++
		}
		m.catalog[l.Code] = l
	}
	return added, updated, nil
}

// RawPayloads returns the payloads stored for a key, oldest first.
func (m *MemoryStore) RawPayloads(sourceID, fundCode string, dataType models.DataType) []models.RawPayload {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RawPayload
	for _, p := range m.raw {
		if p.SourceID == sourceID && p.FundCode == fundCode && p.DataType == dataType {
			out = append(out, p)
		}
	}
	return out
}

// StructuredRecord returns the current record for a key.
func (m *MemoryStore) StructuredRecord(sourceID, fundCode string, dataType models.DataType) (models.StructuredRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.structured[recordKey{sourceID, fundCode, dataType}]
	return r, ok
}

// StructuredCount returns how many structured records are stored.
func (m *MemoryStore) StructuredCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.structured)
}
