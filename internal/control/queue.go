package control

import (
	"sync"
	"sync/atomic"
	"time"
)

// RequestResendTimeout and RequestResendCheckInterval are the constants
// spec.md §4.2 names explicitly (RESEND_TIMEOUT, RESEND_CHECK_INTERVAL).
const (
	RequestResendTimeout       = 2 * time.Second
	RequestResendCheckInterval = 1 * time.Second
	maxRequestAttempts         = 3
)

// pendingRequest is a queued control request awaiting a matching response
// (spec.md §3 "Queued control request").
type pendingRequest struct {
	requestID uint64
	payload   []byte
	attempts  int
	resendAt  time.Time
	done      chan struct{}
	response  []byte
	failed    bool
}

// requestQueue tracks outstanding signed requests by request_id, resending
// on a timer and failing a request after maxRequestAttempts.
type requestQueue struct {
	mu      sync.Mutex
	pending map[uint64]*pendingRequest
	nextID  uint64

	resends atomic.Int64
	failed  atomic.Int64
}

func newRequestQueue() *requestQueue {
	return &requestQueue{pending: make(map[uint64]*pendingRequest), nextID: 2}
}

// allocateID returns a monotonically increasing request_id. ID 1 is
// reserved for the unsigned address-selection Ping (spec.md §4.2), so the
// queue starts allocating from 2.
func (q *requestQueue) allocateID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	return id
}

// enqueue registers a payload under requestID, due for its first resend
// after RequestResendTimeout.
func (q *requestQueue) enqueue(requestID uint64, payload []byte, now time.Time) *pendingRequest {
	pr := &pendingRequest{
		requestID: requestID,
		payload:   payload,
		attempts:  1,
		resendAt:  now.Add(RequestResendTimeout),
		done:      make(chan struct{}),
	}
	q.mu.Lock()
	q.pending[requestID] = pr
	q.mu.Unlock()
	return pr
}

// complete resolves a pending request with its matching response bytes,
// removing it from the queue and waking any waiter.
func (q *requestQueue) complete(requestID uint64, response []byte) {
	q.mu.Lock()
	pr, ok := q.pending[requestID]
	if ok {
		delete(q.pending, requestID)
	}
	q.mu.Unlock()

	if ok {
		pr.response = response
		close(pr.done)
	}
}

// tick scans the queue for requests due for resend or permanent failure.
// resend is called with each due request's payload; a resend that errors
// leaves the request's attempt counter and deadline untouched, so an IO
// failure never counts against the request (spec.md §4.2 "IO send errors").
// Requests that have already exhausted maxRequestAttempts are marked failed
// and removed.
func (q *requestQueue) tick(now time.Time, resend func(payload []byte) error) {
	q.mu.Lock()
	var due []*pendingRequest
	var toFail []*pendingRequest
	for id, pr := range q.pending {
		if now.Before(pr.resendAt) {
			continue
		}
		if pr.attempts >= maxRequestAttempts {
			toFail = append(toFail, pr)
			delete(q.pending, id)
			continue
		}
		due = append(due, pr)
	}
	q.mu.Unlock()

	for _, pr := range toFail {
		pr.failed = true
		close(pr.done)
	}
	q.failed.Add(int64(len(toFail)))
	for _, pr := range due {
		if resend(pr.payload) != nil {
			continue
		}
		q.resends.Add(1)
		q.mu.Lock()
		pr.attempts++
		pr.resendAt = now.Add(RequestResendTimeout)
		q.mu.Unlock()
	}
}

// clear fails every pending request immediately and empties the queue.
func (q *requestQueue) clear() {
	q.mu.Lock()
	pending := q.pending
	q.pending = make(map[uint64]*pendingRequest)
	q.mu.Unlock()

	for _, pr := range pending {
		pr.failed = true
		close(pr.done)
	}
	q.failed.Add(int64(len(pending)))
}
