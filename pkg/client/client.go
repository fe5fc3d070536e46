package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/manthysbr/clipforge/internal/core/domain"
)

// Artifact is a produced clip with its download link.
type Artifact struct {
	domain.Artifact
	URL string `json:"url"`
}

// Job is a job snapshot as served by the kernel.
type Job struct {
	domain.Job
	Artifacts []Artifact `json:"artifacts"`
}

// BatchStatus is a batch aggregate as served by the kernel.
type BatchStatus struct {
	domain.BatchStatus
	Jobs []Job `json:"jobs"`
}

type BatchCreated struct {
	ID        domain.BatchID     `json:"id"`
	TotalJobs int                `json:"total_jobs"`
	JobIDs    []domain.JobID     `json:"job_ids"`
	Errors    []domain.ItemError `json:"errors"`
}

type submitJobRequest struct {
	URL    string                   `json:"url"`
	Params domain.RequestParameters `json:"params"`
}

type submitBatchRequest struct {
	Name   string                   `json:"name,omitempty"`
	URLs   []string                 `json:"urls"`
	Params domain.RequestParameters `json:"params"`
}

// Client talks to the clipforge kernel API.
type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SubmitJob(ctx context.Context, source string, params domain.RequestParameters) (Job, error) {
	var job Job
	err := c.do(ctx, http.MethodPost, "/v1/jobs", submitJobRequest{URL: source, Params: params}, &job)
	return job, err
}

func (c *Client) SubmitBatch(ctx context.Context, name string, sources []string, params domain.RequestParameters) (BatchCreated, error) {
	var created BatchCreated
	err := c.do(ctx, http.MethodPost, "/v1/batches", submitBatchRequest{Name: name, URLs: sources, Params: params}, &created)
	return created, err
}

func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &job)
	return job, err
}

// ListJobs lists jobs, newest first. Empty status and zero limit mean no filter.
func (c *Client) ListJobs(ctx context.Context, status domain.JobStatus, limit int) ([]Job, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", string(status))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/jobs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var jobs []Job
	err := c.do(ctx, http.MethodGet, path, nil, &jobs)
	return jobs, err
}

func (c *Client) GetBatch(ctx context.Context, id string) (BatchStatus, error) {
	var status BatchStatus
	err := c.do(ctx, http.MethodGet, "/v1/batches/"+url.PathEscape(id), nil, &status)
	return status, err
}

func (c *Client) CancelJob(ctx context.Context, id string) (Job, error) {
	var job Job
	err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, &job)
	return job, err
}

func (c *Client) RetryJob(ctx context.Context, id string) (Job, error) {
	var job Job
	err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/retry", nil, &job)
	return job, err
}

func (c *Client) ProbeMetadata(ctx context.Context, source string) (map[string]string, error) {
	var metadata map[string]string
	err := c.do(ctx, http.MethodPost, "/v1/metadata", map[string]string{"url": source}, &metadata)
	return metadata, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, dest any) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
