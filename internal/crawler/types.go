package crawler

import (
	"fmt"
	"net/http"
	"time"
)

// Config holds engine defaults shared by every job.
type Config struct {
	// MaxDepth applies when Params.MaxDepth is zero.
	MaxDepth int
	// MaxParallelDownloads caps concurrent fetches per job.
	MaxParallelDownloads int
	// BaseURL is prefixed to a document name to form its URL.
	BaseURL string
}

// Params start one crawl.
type Params struct {
	// Document is the root document name.
	Document string `json:"document"`
	// MaxDepth overrides Config.MaxDepth when positive.
	MaxDepth int `json:"maxDepth,omitempty"`
}

// FetchRequest describes one document fetch.
type FetchRequest struct {
	URL      string
	Document string
	Depth    int
	Headers  http.Header
}

// FetchResponse is the result returned by a Fetcher implementation. Non-2xx
// responses are returned, not reported as errors.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// DocumentResult is one entry of a finished crawl.
type DocumentResult struct {
	Name            string   `json:"name"`
	Depth           int      `json:"depth"`
	ReferenceCount  int      `json:"referenceCount"`
	LinkedDocuments []string `json:"linkedDocuments"`
}

// DepthTotals count discovered, queued and downloaded documents for one
// depth. Depth 0 holds the sum over all depths.
type DepthTotals struct {
	Links      int `json:"links"`
	Queued     int `json:"queued"`
	Downloaded int `json:"downloaded"`
}

// StatusError reports a non-2xx fetch.
type StatusError struct {
	Document   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Document)
}

// JobEvent is published when a job reaches a terminal state.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	State      string    `json:"state"`
	Message    string    `json:"message,omitempty"`
	Documents  int       `json:"documents"`
	ResultURI  string    `json:"result_uri,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
	RunTimeMs  int64     `json:"run_time_ms"`
}

// Attributes are the message attributes published alongside the event.
func (e JobEvent) Attributes() map[string]string {
	return map[string]string{"job_id": e.JobID, "state": e.State}
}
