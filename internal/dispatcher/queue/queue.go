// Package queue implements the work-queue core: the authoritative,
// single-owner state machine that tracks issued/completed/pending state per
// work_id, enforces timeouts and max-retries, and feeds the output writer.
//
// Core is explicitly threaded into callers, never hidden behind a package
// singleton; it owns one mutex that serializes every state-mutating
// operation, including the reader and writer calls it makes while holding
// the lock, per the single-lock concurrency model.
package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/LumiOpen/dispatcher/internal/dispatcher/reader"
	"github.com/LumiOpen/dispatcher/internal/dispatcher/writer"
)

// Status is the response discriminant for a get_work call.
type Status string

const (
	StatusOK              Status = "OK"
	StatusRetry           Status = "RETRY"
	StatusAllWorkComplete Status = "ALL_WORK_COMPLETE"
)

// Item is a (work_id, content) pair handed out to a worker.
type Item struct {
	WorkID  int    `json:"work_id"`
	Content string `json:"content"`
}

// IssueResult is the tagged-variant response to issue().
type IssueResult struct {
	Status  Status
	Items   []Item
	RetryIn int
}

// Result is a (work_id, result) pair submitted by a worker.
type Result struct {
	WorkID int
	Result string
}

// Snapshot is the response to a status query.
type Snapshot struct {
	Pending        int  `json:"pending"`
	Issued         int  `json:"issued"`
	Completed      int  `json:"completed"`
	Tombstoned     int  `json:"tombstoned"`
	InputExhausted bool `json:"input_exhausted"`
}

// Config holds the runtime-tunable and startup parameters of a Core.
type Config struct {
	WorkTimeout         time.Duration
	MaxRetries          int
	RetryBackoffSeconds int
}

// DefaultConfig matches the dispatcher's documented defaults.
func DefaultConfig() Config {
	return Config{
		WorkTimeout:         600 * time.Second,
		MaxRetries:          3,
		RetryBackoffSeconds: 30,
	}
}

// Core is the work-queue state machine. All exported methods are safe for
// concurrent use.
type Core struct {
	mu sync.Mutex

	reader *reader.Reader
	writer *writer.Writer

	pending        []int
	contentByID    map[int]string
	issued         map[int]time.Time // work_id -> issuedAt
	retryCount     map[int]int       // work_id -> retries so far; survives issued/pending transitions
	inputExhausted bool

	workTimeout         time.Duration
	maxRetries          int
	retryBackoffSeconds int

	tombstoned int
}

// New constructs a Core. r and w must already be positioned at matching
// resume points (r.Skip(w.ResumePosition()) must have been called).
func New(r *reader.Reader, w *writer.Writer, cfg Config) *Core {
	return &Core{
		reader:              r,
		writer:              w,
		contentByID:         make(map[int]string),
		issued:              make(map[int]time.Time),
		retryCount:          make(map[int]int),
		workTimeout:         cfg.WorkTimeout,
		maxRetries:          cfg.MaxRetries,
		retryBackoffSeconds: cfg.RetryBackoffSeconds,
	}
}

// Issue implements get_work: §4.3.2 issue(batch_size).
func (c *Core) Issue(batchSize int) (IssueResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.allWorkComplete() {
		return IssueResult{Status: StatusAllWorkComplete}, nil
	}

	if len(c.pending) == 0 {
		if err := c.fillPending(batchSize); err != nil {
			return IssueResult{}, err
		}
		if len(c.pending) == 0 {
			if c.allWorkComplete() {
				return IssueResult{Status: StatusAllWorkComplete}, nil
			}
			return IssueResult{Status: StatusRetry, RetryIn: c.retryBackoffSeconds}, nil
		}
	}

	n := batchSize
	if n > len(c.pending) {
		n = len(c.pending)
	}
	ids := c.pending[:n]
	c.pending = c.pending[n:]

	items := make([]Item, 0, n)
	now := time.Now()
	for _, id := range ids {
		c.issued[id] = now
		items = append(items, Item{WorkID: id, Content: c.contentByID[id]})
	}

	return IssueResult{Status: StatusOK, Items: items}, nil
}

// fillPending pulls up to batchSize new items from the reader and appends
// them to the tail of pending, so timed-out re-queued items (already at the
// head) are served first. Sets inputExhausted on a short batch.
func (c *Core) fillPending(batchSize int) error {
	if c.inputExhausted {
		return nil
	}
	lines, eof, err := c.reader.NextBatch(batchSize)
	if err != nil {
		return fmt.Errorf("queue: fatal input read error: %w", err)
	}
	for _, line := range lines {
		c.contentByID[line.WorkID] = line.Content
		c.pending = append(c.pending, line.WorkID)
	}
	if eof {
		c.inputExhausted = true
	}
	return nil
}

// allWorkComplete implements §4.3.2 step 1's completion check. Every
// work_id that ever entered pending or issued is removed from both only
// once it has been handed to the writer (via Submit or a sweep tombstone),
// so inputExhausted with both empty implies the writer's out-of-order
// buffer has also fully drained; no separate check against it is needed.
func (c *Core) allWorkComplete() bool {
	return c.inputExhausted && len(c.pending) == 0 && len(c.issued) == 0
}

// Submit implements submit_result: §4.3.2 submit(results).
func (c *Core) Submit(results []Result) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	accepted := 0
	for _, r := range results {
		if _, stillIssued := c.issued[r.WorkID]; stillIssued {
			delete(c.issued, r.WorkID)
			delete(c.contentByID, r.WorkID)
			delete(c.retryCount, r.WorkID)
			if err := c.writer.Accept(r.WorkID, r.Result); err != nil {
				return accepted, fmt.Errorf("queue: fatal output write error: %w", err)
			}
			accepted++
			continue
		}
		// Unknown (never read), already completed/tombstoned and drained,
		// or timed out and waiting in pending for re-issue: discard without
		// error, not counted.
	}
	return accepted, nil
}

// SweepTimeouts implements §4.3.2 sweep_timeouts(now). Every issued entry
// whose age is at or beyond workTimeout is either re-queued (incrementing
// retry_count) or tombstoned if the (maxRetries+1)-th issuance itself timed
// out.
func (c *Core) SweepTimeouts(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, issuedAt := range c.issued {
		if now.Sub(issuedAt) < c.workTimeout {
			continue
		}
		delete(c.issued, id)
		c.retryCount[id]++

		if c.retryCount[id] > c.maxRetries {
			content := c.contentByID[id]
			delete(c.contentByID, id)
			delete(c.retryCount, id)
			payload, err := tombstonePayload(id, content)
			if err != nil {
				return fmt.Errorf("queue: encode tombstone for work_id %d: %w", id, err)
			}
			if err := c.writer.Accept(id, payload); err != nil {
				return fmt.Errorf("queue: fatal output write error tombstoning work_id %d: %w", id, err)
			}
			c.tombstoned++
			continue
		}

		c.pending = append(c.pending, id)
	}
	return nil
}

// tombstoneError is the error object nested under "__ERROR__" in a
// tombstone payload.
type tombstoneError struct {
	Error           string `json:"error"`
	WorkID          int    `json:"work_id"`
	OriginalContent string `json:"original_content"`
}

type tombstoneEnvelope struct {
	Error tombstoneError `json:"__ERROR__"`
}

func tombstonePayload(workID int, content string) (string, error) {
	envelope := tombstoneEnvelope{Error: tombstoneError{
		Error:           "max_retries_exceeded",
		WorkID:          workID,
		OriginalContent: content,
	}}
	b, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SetWorkTimeout implements set_work_timeout(seconds). The new value takes
// effect for all subsequent sweeps; already-issued items are measured
// against it immediately since issuedAt is unchanged.
func (c *Core) SetWorkTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workTimeout = d
}

// WorkTimeout returns the current work timeout.
func (c *Core) WorkTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workTimeout
}

// Snapshot implements snapshot(): §4.3.2.
func (c *Core) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Pending:        len(c.pending),
		Issued:         len(c.issued),
		Completed:      c.writer.Position(),
		Tombstoned:     c.tombstoned,
		InputExhausted: c.inputExhausted,
	}
}

// Done reports whether the process may exit: ALL_WORK_COMPLETE has been
// reached and the writer's position equals the total input line count
// (i.e. nothing remains buffered out-of-order either).
func (c *Core) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allWorkComplete()
}

// SweepInterval returns the recommended sweep cadence for the current
// timeout: at least once every max(1, workTimeout/10).
func (c *Core) SweepInterval() time.Duration {
	c.mu.Lock()
	timeout := c.workTimeout
	c.mu.Unlock()

	interval := timeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
