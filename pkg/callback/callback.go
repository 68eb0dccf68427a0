// Package callback is the Callback Client (spec §4.10): delivers job
// results from agent to controller with exponential backoff, falls back to
// an in-memory dead-letter queue after exhausting retries, and runs
// best-effort heartbeat tickers for long-running jobs.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ovlab/ovlab/pkg/util"
)

// DefaultBackoff is the retry delay sequence named in spec §4.10.
var DefaultBackoff = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}

// DeadLetterTTL is how long a dead-lettered payload is retained before
// pruning.
const DeadLetterTTL = 24 * time.Hour

// Payload is the CallbackPayload shape of spec §6.4.
type Payload struct {
	JobID         string                 `json:"job_id"`
	AgentID       string                 `json:"agent_id"`
	Status        string                 `json:"status"`
	Stdout        string                 `json:"stdout,omitempty"`
	Stderr        string                 `json:"stderr,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   time.Time              `json:"completed_at"`
	NodeStates    map[string]interface{} `json:"node_states,omitempty"`
}

// deadLetter is a retained, undeliverable payload.
type deadLetter struct {
	Payload   Payload
	LastError string
	Attempts  int
	ExpiresAt time.Time
}

// HTTPDoer is the subset of *http.Client the client needs, abstracted for
// tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client delivers callback payloads with retry, backoff and dead-lettering.
type Client struct {
	http    HTTPDoer
	backoff []time.Duration
	timeout time.Duration

	mu          sync.Mutex
	deadLetters map[string]*deadLetter // job_id -> entry
}

// New constructs a Client. A nil httpClient defaults to http.DefaultClient.
func New(httpClient HTTPDoer, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:        httpClient,
		backoff:     DefaultBackoff,
		timeout:     timeout,
		deadLetters: make(map[string]*deadLetter),
	}
}

// Deliver POSTs payload to url, retrying on non-2xx responses and transport
// errors per the configured backoff. Any 2xx response is success. After
// exhausting all attempts, the payload is recorded in the dead-letter queue
// and one best-effort POST of the payload is made to the dead-letter URL: a
// trailing "/job/<job_id>" in url is replaced by "/dead-letter/<job_id>";
// any other url gets "/dead-letter/<job_id>" appended.
func (c *Client) Deliver(ctx context.Context, url string, payload Payload) error {
	var lastErr error
	attempts := 0

	for i := 0; i <= len(c.backoff); i++ {
		attempts++
		err := c.post(ctx, url, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		util.WithFields(map[string]interface{}{"job_id": payload.JobID, "attempt": attempts}).
			Warn("callback delivery failed: " + err.Error())

		if i < len(c.backoff) {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				i = len(c.backoff) // stop retrying, fall through to dead-letter
			case <-time.After(c.backoff[i]):
			}
		}
	}

	c.deadLetter(payload, lastErr, attempts)
	c.notifyDeadLetter(ctx, url, payload)
	return util.NewDeadLetterError(payload.JobID, attempts, lastErr)
}

func (c *Client) post(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling callback payload: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return util.NewTransportError(url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return util.NewTransportError(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return util.NewApplicationError(url, resp.StatusCode, "")
	}
	return nil
}

func (c *Client) deadLetter(payload Payload, lastErr error, attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked()

	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	c.deadLetters[payload.JobID] = &deadLetter{
		Payload:   payload,
		LastError: msg,
		Attempts:  attempts,
		ExpiresAt: time.Now().Add(DeadLetterTTL),
	}
	util.WithField("job_id", payload.JobID).Error("callback moved to dead-letter queue after exhausting retries")
}

func (c *Client) notifyDeadLetter(ctx context.Context, url string, payload Payload) {
	suffix := "/dead-letter/" + payload.JobID
	deadLetterURL := url + suffix
	if jobPath := "/job/" + payload.JobID; strings.HasSuffix(url, jobPath) {
		deadLetterURL = strings.TrimSuffix(url, jobPath) + suffix
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, deadLetterURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// pruneExpiredLocked removes expired dead-letter entries. Callers must hold
// c.mu.
func (c *Client) pruneExpiredLocked() {
	now := time.Now()
	for id, dl := range c.deadLetters {
		if now.After(dl.ExpiresAt) {
			delete(c.deadLetters, id)
		}
	}
}

// DeadLetterEntry is the operator-facing view of a dead-lettered job.
type DeadLetterEntry struct {
	JobID     string    `json:"job_id"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DeadLetters returns every unexpired dead-lettered job, pruning expired
// entries first.
func (c *Client) DeadLetters() []DeadLetterEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked()

	entries := make([]DeadLetterEntry, 0, len(c.deadLetters))
	for id, dl := range c.deadLetters {
		entries = append(entries, DeadLetterEntry{
			JobID: id, Attempts: dl.Attempts, LastError: dl.LastError, ExpiresAt: dl.ExpiresAt,
		})
	}
	return entries
}
