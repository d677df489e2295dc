package approval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status represents the state of a queued confirmation.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDenied
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Pending is a confirmation request waiting in the Queue.
type Pending struct {
	ID         string    `json:"id"`
	Details    Details   `json:"details"`
	Risk       string    `json:"risk"`
	Status     Status    `json:"status"`
	ApprovedBy string    `json:"approved_by,omitempty"`
	Feedback   string    `json:"feedback,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`

	done chan struct{}
}

// Queue is a Confirmer whose requests are resolved out of band, typically
// by an operator calling the HTTP API. RequestConfirmation blocks until the
// request is approved, denied, expires, or ctx is done.
type Queue struct {
	mu      sync.Mutex
	pending map[string]*Pending
	ttl     time.Duration
	logger  *slog.Logger
}

// NewQueue creates a queue whose requests expire after ttl.
func NewQueue(ttl time.Duration, logger *slog.Logger) *Queue {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		pending: make(map[string]*Pending),
		ttl:     ttl,
		logger:  logger,
	}
}

// RequestConfirmation implements Confirmer.
func (q *Queue) RequestConfirmation(ctx context.Context, d Details) (Response, error) {
	p := q.create(d)

	timer := time.NewTimer(time.Until(p.ExpiresAt))
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		q.expire(p.ID)
	case <-ctx.Done():
		q.expire(p.ID)
		return Response{Confirmed: false, Feedback: "confirmation canceled"}, ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	switch p.Status {
	case StatusApproved:
		return Response{Confirmed: true, ApprovedBy: p.ApprovedBy}, nil
	case StatusDenied:
		return Response{Confirmed: false, ApprovedBy: p.ApprovedBy, Feedback: p.Feedback}, nil
	default:
		return Response{Confirmed: false, Feedback: "confirmation expired"}, ErrExpired
	}
}

func (q *Queue) create(d Details) *Pending {
	now := time.Now().UTC()
	p := &Pending{
		ID:        uuid.NewString(),
		Details:   d,
		Risk:      d.Risk.String(),
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(q.ttl),
		done:      make(chan struct{}),
	}

	q.mu.Lock()
	q.pending[p.ID] = p
	q.mu.Unlock()

	q.logger.Info("confirmation queued",
		slog.String("approval_id", p.ID),
		slog.String("user_id", d.UserID),
		slog.String("mode", d.Mode),
		slog.String("risk", p.Risk),
	)
	return p
}

// Approve resolves a pending request as approved by approverID.
func (q *Queue) Approve(_ context.Context, id, approverID string) error {
	return q.resolve(id, approverID, "", StatusApproved)
}

// Deny resolves a pending request as denied. feedback is passed back to
// the caller of RequestConfirmation.
func (q *Queue) Deny(_ context.Context, id, denierID, feedback string) error {
	return q.resolve(id, denierID, feedback, StatusDenied)
}

func (q *Queue) resolve(id, resolverID, feedback string, status Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status == StatusPending && time.Now().UTC().After(p.ExpiresAt) {
		q.markExpired(p)
	}
	if p.Status == StatusExpired {
		return ErrExpired
	}
	if p.Status != StatusPending {
		return ErrAlreadyResolved
	}

	p.Status = status
	p.ApprovedBy = resolverID
	p.Feedback = feedback
	p.ResolvedAt = time.Now().UTC()
	close(p.done)

	q.logger.Info("confirmation resolved",
		slog.String("approval_id", id),
		slog.String("resolver", resolverID),
		slog.String("status", status.String()),
	)
	return nil
}

func (q *Queue) expire(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.pending[id]; ok && p.Status == StatusPending {
		q.markExpired(p)
	}
}

// markExpired must be called with q.mu held.
func (q *Queue) markExpired(p *Pending) {
	p.Status = StatusExpired
	p.ResolvedAt = time.Now().UTC()
	close(p.done)
}

// Get returns a copy of the request with the given ID.
func (q *Queue) Get(_ context.Context, id string) (Pending, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[id]
	if !ok {
		return Pending{}, ErrNotFound
	}
	if p.Status == StatusPending && time.Now().UTC().After(p.ExpiresAt) {
		q.markExpired(p)
	}
	return *p, nil
}

// List returns the requests still waiting for an answer, oldest first.
func (q *Queue) List(_ context.Context) []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	out := make([]Pending, 0, len(q.pending))
	for _, p := range q.pending {
		if p.Status == StatusPending && now.Before(p.ExpiresAt) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cleanup expires stale requests and forgets anything resolved more than
// one TTL ago.
func (q *Queue) Cleanup(_ context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	for id, p := range q.pending {
		if p.Status == StatusPending && now.After(p.ExpiresAt) {
			q.markExpired(p)
		}
		if p.Status != StatusPending && now.After(p.ExpiresAt.Add(q.ttl)) {
			delete(q.pending, id)
		}
	}
}

// StartCleanup calls Cleanup every interval until the returned cancel
// function is called or ctx is done.
func (q *Queue) StartCleanup(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.Cleanup(ctx)
			}
		}
	}()
	return cancel
}
