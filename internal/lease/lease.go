// Package lease implements the lease manager: time-bounded, fencing-token
// protected permission for a worker to execute a specific
// (workflow, step, attempt). The monotonic-token discipline here
// generalizes the teacher's locked_until/worker columns
// (backend/sqlite.GetWorkflowTask locks a row with `locked_until` and a
// worker name) into an explicit, in-memory fencing primitive — the
// teacher's SQL backends never needed fencing tokens because a single
// row-level UPDATE already serializes lock acquisition; this engine's WAL
// is not a lockable row, so the spec requires the stronger, explicit
// token invariant instead.
package lease

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/axiom-workflow-engine/axiom/internal/errs"
)

// Lease is a time-bounded permission for a worker to execute one
// (workflow, step, attempt). ExpiresAt is a monotonic deadline, never
// wall-clock time — spec section 3 forbids deriving it from event
// timestamps.
type Lease struct {
	LeaseID      string
	WorkflowID   string
	Step         string
	Attempt      int
	ExpiresAt    time.Time
	FencingToken int64
}

// Manager issues and validates leases. Each of its methods is safe for
// concurrent use; internally it is a single owner of its two tables
// (active leases, current token per (workflow, step)), matching the
// single-writer-per-component discipline in spec section 5.
type Manager struct {
	clock clock.Clock

	mu     sync.Mutex
	leases map[string]*Lease
	tokens map[string]int64 // (workflowID, step) -> current highest token
}

// NewManager creates a lease manager using the given clock for deadline
// computation. Pass clock.New() in production, a clock.Mock in tests —
// the same seam the teacher's ActivityWorker uses for heartbeat timing.
func NewManager(c clock.Clock) *Manager {
	if c == nil {
		c = clock.New()
	}
	return &Manager{
		clock:  c,
		leases: map[string]*Lease{},
		tokens: map[string]int64{},
	}
}

func tokenKey(workflowID, step string) string {
	return workflowID + "\x00" + step
}

// Acquire atomically increments the fencing token for (workflowID, step)
// and issues a new lease holding it. The returned token is strictly
// larger than any token ever issued before for this (workflowID, step)
// pair, for the lifetime of the Manager.
func (m *Manager) Acquire(workflowID, step string, attempt int, duration time.Duration) *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tokenKey(workflowID, step)
	m.tokens[key]++
	token := m.tokens[key]

	l := &Lease{
		LeaseID:      uuid.NewString(),
		WorkflowID:   workflowID,
		Step:         step,
		Attempt:      attempt,
		FencingToken: token,
		ExpiresAt:    m.clock.Now().Add(duration),
	}

	m.leases[l.LeaseID] = l

	return l
}

// LeaseStatus is the result of Check.
type LeaseStatus int

const (
	StatusValid LeaseStatus = iota
	StatusExpired
	StatusUnknown
)

// Check reports the current status of a lease without consuming it.
func (m *Manager) Check(leaseID string) LeaseStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[leaseID]
	if !ok {
		return StatusUnknown
	}
	if m.clock.Now().After(l.ExpiresAt) {
		return StatusExpired
	}
	return StatusValid
}

// ValidateForCommit returns nil only when: the lease exists, has not
// expired, was issued with the given token, and that token is still the
// current highest token for its (workflow, step) pair. Any other
// condition returns one of errs.ErrLeaseExpired, errs.ErrFencingTokenStale,
// or errs.ErrLeaseUnknown — the core correctness guarantee (spec
// "Monotonic fencing" / "No commit past fencing") that rejects a
// superseded worker's result regardless of clock skew or reordering.
func (m *Manager) ValidateForCommit(leaseID string, token int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[leaseID]
	if !ok {
		return errs.ErrLeaseUnknown
	}

	if m.clock.Now().After(l.ExpiresAt) {
		return errs.ErrLeaseExpired
	}

	if l.FencingToken != token {
		return errs.ErrFencingTokenStale
	}

	current := m.tokens[tokenKey(l.WorkflowID, l.Step)]
	if current != token {
		return errs.ErrFencingTokenStale
	}

	return nil
}

// Release removes a lease, typically after a successful commit.
func (m *Manager) Release(leaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, leaseID)
}

// Sweep removes every lease whose deadline has passed, returning the
// leases that were swept. Callers (the dispatcher's SweepExpiredLeases) use
// the returned leases to decide whether the underlying task needs
// requeuing.
func (m *Manager) Sweep() []*Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Lease
	now := m.clock.Now()
	for id, l := range m.leases {
		if now.After(l.ExpiresAt) {
			expired = append(expired, l)
			delete(m.leases, id)
		}
	}
	return expired
}
