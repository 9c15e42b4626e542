package ingest

import (
	"context"
	"io"

	"github.com/fundscrape/fund-acquisition/internal/models"
)

// FetchedDocument represents the raw result of a fetch operation.
type FetchedDocument struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        io.ReadCloser
}

// Fetcher retrieves raw content from a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*FetchedDocument, error)
}

// Ledger records acquisition tasks and their per-fund outcomes.
type Ledger interface {
	CreateTask(ctx context.Context, sourceID string, dataType models.DataType, scope models.Scope) (*models.Task, error)
	StartTask(ctx context.Context, taskID string, planned int) error
	RecordItem(ctx context.Context, taskID string, outcome models.ItemOutcome) error
	FinalizeTask(ctx context.Context, taskID string, opts models.FinalizeOptions) (*models.Task, error)
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTaskItems(ctx context.Context, taskID string) ([]models.ItemOutcome, error)
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, int, error)
}

// Gateway persists fetched payloads and the records parsed from them.
type Gateway interface {
	SaveRawPayload(ctx context.Context, payload models.RawPayload) (int64, error)
	SaveStructuredRecord(ctx context.Context, record models.StructuredRecord) error
	ListKnownFunds(ctx context.Context) ([]string, error)
	UpsertFunds(ctx context.Context, listings []models.FundListing) (added, updated int, err error)
}
