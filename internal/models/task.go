package models

import (
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of an acquisition task.
type TaskStatus string

const (
	TaskPending         TaskStatus = "pending"
	TaskRunning         TaskStatus = "running"
	TaskSucceeded       TaskStatus = "succeeded"
	TaskPartiallyFailed TaskStatus = "partially-failed"
	TaskFailed          TaskStatus = "failed"
	TaskCancelled       TaskStatus = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskPartiallyFailed, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

func ParseTaskStatus(s string) (TaskStatus, bool) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case TaskPending, TaskRunning, TaskSucceeded, TaskPartiallyFailed, TaskFailed, TaskCancelled:
		return st, true
	}
	return "", false
}

// ItemStatus is the outcome of acquiring one fund within a task.
type ItemStatus string

const (
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
)

// ErrorKind classifies why an item or a task failed.
type ErrorKind string

const (
	ErrorKindNone                ErrorKind = ""
	ErrorKindUnsupportedDataType ErrorKind = "unsupported_data_type"
	ErrorKindUnknownSource       ErrorKind = "unknown_source"
	ErrorKindNetwork             ErrorKind = "network_error"
	ErrorKindMalformedResponse   ErrorKind = "malformed_response"
	ErrorKindStorage             ErrorKind = "storage_error"
	ErrorKindCancelled           ErrorKind = "cancelled"
	ErrorKindInternal            ErrorKind = "internal"
)

// Scope is the set of funds targeted by a task: an explicit list or all
// funds known to the catalog.
type Scope struct {
	All       bool     `json:"all"`
	FundCodes []string `json:"fund_codes,omitempty"`
}

// AllFunds is the sentinel scope resolved through the fund catalog.
func AllFunds() Scope { return Scope{All: true} }

// FundScope builds an explicit scope, trimming blanks and duplicates.
func FundScope(codes ...string) Scope {
	return Scope{FundCodes: NormalizeFundCodes(codes)}
}

// NormalizeFundCodes trims codes, drops empties and keeps the first
// occurrence of each code.
func NormalizeFundCodes(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func (s Scope) String() string {
	if s.All {
		return "all"
	}
	return strings.Join(s.FundCodes, ",")
}

// Task is one orchestrated acquisition run.
type Task struct {
	ID        string     `json:"task_id"`
	SourceID  string     `json:"source"`
	DataType  DataType   `json:"data_type"`
	Scope     Scope      `json:"scope"`
	Status    TaskStatus `json:"status"`
	Planned   int        `json:"planned"`
	Total     int        `json:"total"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// ItemOutcome records the result of acquiring one fund in a task.
type ItemOutcome struct {
	TaskID       string     `json:"task_id"`
	FundCode     string     `json:"fund_code"`
	Status       ItemStatus `json:"status"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Attempts     int        `json:"attempts"`
	RecordedAt   time.Time  `json:"recorded_at"`
}

// FinalizeOptions carries run-level facts that affect the aggregate status.
type FinalizeOptions struct {
	Cancelled bool
	Error     string
}

// AggregateStatus derives the terminal status of a task from its item
// counts. A task with no recorded items is failed unless it was cancelled.
func AggregateStatus(succeeded, failed int, opts FinalizeOptions) TaskStatus {
	if opts.Cancelled {
		return TaskCancelled
	}
	switch {
	case succeeded+failed == 0:
		return TaskFailed
	case failed == 0:
		return TaskSucceeded
	case succeeded == 0:
		return TaskFailed
	}
	return TaskPartiallyFailed
}

// TaskFilter selects tasks for history listings.
type TaskFilter struct {
	SourceID string
	DataType DataType
	Status   TaskStatus
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// Normalize clamps paging to sane values.
func (f TaskFilter) Normalize() TaskFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

func (f TaskFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// Matches reports whether t satisfies the filter, ignoring paging.
func (f TaskFilter) Matches(t Task) bool {
	if f.SourceID != "" && t.SourceID != f.SourceID {
		return false
	}
	if f.DataType != "" && t.DataType != f.DataType {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.From != nil && t.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && t.CreatedAt.After(*f.To) {
		return false
	}
	return true
}
