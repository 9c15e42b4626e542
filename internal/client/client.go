// Package client talks to the acquisition service's admin API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"resty.dev/v3"

	"github.com/fundscrape/fund-acquisition/internal/ingest"
	"github.com/fundscrape/fund-acquisition/internal/models"
)

// APIError is a non-2xx answer from the service.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Message)
}

type TriggerRequest struct {
	Source    string   `json:"source"`
	DataType  string   `json:"data_type"`
	FundCodes []string `json:"fund_codes,omitempty"`
	All       bool     `json:"all,omitempty"`
}

type TriggerResponse struct {
	TaskID string            `json:"task_id"`
	Status models.TaskStatus `json:"status"`
	Poll   string            `json:"poll"`
}

type TaskDetail struct {
	models.Task
	Items []models.ItemOutcome `json:"items"`
}

type TaskPage struct {
	Tasks    []models.Task `json:"tasks"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// TaskQuery mirrors the history filters of GET /api/v1/tasks.
type TaskQuery struct {
	Source   string
	DataType string
	Status   string
	From     string
	To       string
	Page     int
	PageSize int
}

func (q TaskQuery) values() map[string]string {
	v := map[string]string{}
	set := func(k, val string) {
		if val != "" {
			v[k] = val
		}
	}
	set("source", q.Source)
	set("data_type", q.DataType)
	set("status", q.Status)
	set("from", q.From)
	set("to", q.To)
	if q.Page > 0 {
		v["page"] = strconv.Itoa(q.Page)
	}
	if q.PageSize > 0 {
		v["page_size"] = strconv.Itoa(q.PageSize)
	}
	return v
}

type Client struct {
	http *resty.Client
}

// New returns a client for baseURL. credential is sent as a Bearer value and
// may be the admin secret or an operator token.
func New(baseURL, credential string) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json")
	if credential != "" {
		c.SetAuthToken(credential)
	}
	return &Client{http: c}
}

func (c *Client) Close() error {
	return c.http.Close()
}

func (c *Client) do(ctx context.Context, method, path string, body, result any, query map[string]string) error {
	apiErr := &APIError{}
	req := c.http.R().
		SetContext(ctx).
		SetError(apiErr)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		return apiErr
	}
	return nil
}

func (c *Client) Sources(ctx context.Context) ([]string, error) {
	var out struct {
		Sources []string `json:"sources"`
	}
	if err := c.do(ctx, resty.MethodGet, "/api/v1/sources", nil, &out, nil); err != nil {
		return nil, err
	}
	return out.Sources, nil
}

func (c *Client) Trigger(ctx context.Context, req TriggerRequest) (*TriggerResponse, error) {
	var out TriggerResponse
	if err := c.do(ctx, resty.MethodPost, "/api/v1/acquisitions", req, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Task(ctx context.Context, id string) (*TaskDetail, error) {
	var out TaskDetail
	if err := c.do(ctx, resty.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Tasks(ctx context.Context, q TaskQuery) (*TaskPage, error) {
	var out TaskPage
	if err := c.do(ctx, resty.MethodGet, "/api/v1/tasks", nil, &out, q.values()); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, resty.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/cancel", nil, nil, nil)
}

func (c *Client) ImportCatalog(ctx context.Context, source string) (*ingest.CatalogResult, error) {
	var out ingest.CatalogResult
	if err := c.do(ctx, resty.MethodPost, "/api/v1/catalog/"+url.PathEscape(source)+"/import", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitTask polls a task until it reaches a terminal status or ctx is done.
func (c *Client) WaitTask(ctx context.Context, id string, interval time.Duration) (*TaskDetail, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.Task(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}
