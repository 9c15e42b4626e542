package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fundscrape/fund-acquisition/internal/models"
)

// Store is the Postgres ledger and gateway.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskCols = `task_id::text, source_id, data_type, scope, status, planned, total,
	succeeded, failed, error, created_at, started_at, ended_at`

func scanTask(scan func(dest ...any) error) (*models.Task, error) {
	var t models.Task
	var scopeRaw []byte
	err := scan(
		&t.ID, &t.SourceID, &t.DataType, &scopeRaw, &t.Status, &t.Planned, &t.Total,
		&t.Succeeded, &t.Failed, &t.Error, &t.CreatedAt, &t.StartedAt, &t.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(scopeRaw) > 0 {
		if err := json.Unmarshal(scopeRaw, &t.Scope); err != nil {
			return nil, fmt.Errorf("decode scope of task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, sourceID string, dataType models.DataType, scope models.Scope) (*models.Task, error) {
	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return nil, fmt.Errorf("encode scope: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO acquisition_tasks (task_id, source_id, data_type, scope, status)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING `+taskCols,
		uuid.NewString(), sourceID, string(dataType), scopeJSON)
	task, err := scanTask(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// lockTask reads the task row under FOR UPDATE so concurrent writers to the
// same task serialize.
func lockTask(ctx context.Context, tx pgx.Tx, taskID string) (*models.Task, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, models.ErrTaskNotFound
	}
	task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskCols+` FROM acquisition_tasks WHERE task_id = $1 FOR UPDATE`, taskID).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrTaskNotFound
	}
	return task, err
}

func (s *Store) StartTask(ctx context.Context, taskID string, planned int) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		task, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return models.ErrTaskAlreadyFinalized
		}
		if task.Status != models.TaskPending {
			return fmt.Errorf("start task %s: status is %s", taskID, task.Status)
		}
		_, err = tx.Exec(ctx, `
			UPDATE acquisition_tasks SET status = 'running', planned = $2, started_at = NOW()
			WHERE task_id = $1`, taskID, planned)
		return err
	})
}

func (s *Store) RecordItem(ctx context.Context, taskID string, outcome models.ItemOutcome) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		task, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		switch {
		case task.Status.Terminal():
			return models.ErrTaskAlreadyFinalized
		case task.Status != models.TaskRunning:
			return models.ErrTaskNotRunning
		}

		recordedAt := outcome.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = time.Now().UTC()
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO acquisition_task_items (task_id, fund_code, status, error_kind, error_message, attempts, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (task_id, fund_code) DO NOTHING`,
			taskID, outcome.FundCode, string(outcome.Status), string(outcome.ErrorKind),
			outcome.ErrorMessage, outcome.Attempts, recordedAt)
		if err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", models.ErrDuplicateItem, outcome.FundCode)
		}

		succeeded, failed := 0, 0
		if outcome.Status == models.ItemSucceeded {
			succeeded = 1
		} else {
			failed = 1
		}
		_, err = tx.Exec(ctx, `
			UPDATE acquisition_tasks
			SET total = total + 1, succeeded = succeeded + $2, failed = failed + $3
			WHERE task_id = $1`, taskID, succeeded, failed)
		return err
	})
}

func (s *Store) FinalizeTask(ctx context.Context, taskID string, opts models.FinalizeOptions) (*models.Task, error) {
	var out *models.Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		task, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return models.ErrTaskAlreadyFinalized
		}
		status := models.AggregateStatus(task.Succeeded, task.Failed, opts)
		out, err = scanTask(tx.QueryRow(ctx, `
			UPDATE acquisition_tasks SET status = $2, error = $3, ended_at = NOW()
			WHERE task_id = $1
			RETURNING `+taskCols, taskID, string(status), opts.Error).Scan)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, models.ErrTaskNotFound
	}
	task, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskCols+` FROM acquisition_tasks WHERE task_id = $1`, taskID).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrTaskNotFound
	}
	return task, err
}

func (s *Store) ListTaskItems(ctx context.Context, taskID string) ([]models.ItemOutcome, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT task_id::text, fund_code, status, error_kind, error_message, attempts, recorded_at
		FROM acquisition_task_items WHERE task_id = $1
		ORDER BY recorded_at, fund_code`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.ItemOutcome{}
	for rows.Next() {
		var it models.ItemOutcome
		if err := rows.Scan(&it.TaskID, &it.FundCode, &it.Status, &it.ErrorKind, &it.ErrorMessage, &it.Attempts, &it.RecordedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// buildTaskWhere renders the WHERE clause for a history query.
func buildTaskWhere(filter models.TaskFilter) (string, []any) {
	where := "WHERE 1=1"
	var args []any
	argIdx := 1

	if filter.SourceID != "" {
		where += fmt.Sprintf(" AND source_id = $%d", argIdx)
		args = append(args, filter.SourceID)
		argIdx++
	}
	if filter.DataType != "" {
		where += fmt.Sprintf(" AND data_type = $%d", argIdx)
		args = append(args, string(filter.DataType))
		argIdx++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.From != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *filter.From)
		argIdx++
	}
	if filter.To != nil {
		where += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *filter.To)
		argIdx++
	}
	return where, args
}

func (s *Store) ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, int, error) {
	filter = filter.Normalize()
	where, args := buildTaskWhere(filter)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM acquisition_tasks "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM acquisition_tasks %s ORDER BY created_at DESC, task_id DESC LIMIT $%d OFFSET $%d",
		taskCols, where, len(args)+1, len(args)+2)
	rows, err := s.pool.Query(ctx, query, append(args, filter.PageSize, filter.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, total, rows.Err()
}

func (s *Store) SaveRawPayload(ctx context.Context, payload models.RawPayload) (int64, error) {
	fetchedAt := payload.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO raw_payloads (source_id, fund_code, data_type, url, content, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		payload.SourceID, payload.FundCode, string(payload.DataType), payload.URL, payload.Content, fetchedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert raw payload: %w", err)
	}
	return id, nil
}

func (s *Store) SaveStructuredRecord(ctx context.Context, record models.StructuredRecord) error {
	records := record.Records
	if records == nil {
		records = []models.Record{}
	}
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO structured_records (source_id, fund_code, data_type, raw_payload_id, records, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_id, fund_code, data_type) DO UPDATE SET
			raw_payload_id = EXCLUDED.raw_payload_id,
			records = EXCLUDED.records,
			updated_at = EXCLUDED.updated_at`,
		record.SourceID, record.FundCode, string(record.DataType), record.RawPayloadID, body, updatedAt)
	if err != nil {
		return fmt.Errorf("upsert structured record: %w", err)
	}
	return nil
}

func (s *Store) ListKnownFunds(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT fund_code FROM fund_catalog ORDER BY fund_code")
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) UpsertFunds(ctx context.Context, listings []models.FundListing) (added, updated int, err error) {
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, l := range listings {
			if l.Code == "" {
				continue
			}
			var inserted bool
			if err := tx.QueryRow(ctx, `
				INSERT INTO fund_catalog (fund_code, short_name, fund_name, fund_type, pinyin)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (fund_code) DO UPDATE SET
					short_name = EXCLUDED.short_name,
					fund_name = EXCLUDED.fund_name,
					fund_type = EXCLUDED.fund_type,
					pinyin = EXCLUDED.pinyin,
					updated_at = NOW()
				RETURNING (xmax = 0)`,
				l.Code, l.ShortName, l.Name, l.FundType, l.Pinyin).Scan(&inserted); err != nil {
				return fmt.Errorf("upsert fund %s: %w", l.Code, err)
			}
			if inserted {
				added++
			} else {
				updated++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return added, updated, nil
}

// RawPayloadCount returns how many payloads are stored for a key.
func (s *Store) RawPayloadCount(ctx context.Context, sourceID, fundCode string, dataType models.DataType) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM raw_payloads
		WHERE source_id = $1 AND fund_code = $2 AND data_type = $3`,
		sourceID, fundCode, string(dataType)).Scan(&n)
	return n, err
}
