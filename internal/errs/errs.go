// Package errs collects the named error kinds the engine surfaces across
// package boundaries (spec section 7), mirroring how the teacher exports
// backend.ErrInstanceNotFound / backend.ErrInstanceAlreadyExists /
// backend.ErrNotSupported as package-level sentinels.
package errs

import "errors"

var (
	// ErrDiskFailure means a WAL write, rotate, or sync failed. The caller
	// must treat the append as not having happened.
	ErrDiskFailure = errors.New("disk failure")

	// ErrDuplicate means an idempotency key collision was detected at the
	// coordinator; the duplicate report was discarded without touching
	// the WAL.
	ErrDuplicate = errors.New("duplicate idempotency key")

	// ErrUnexpectedStep means a report referenced a step whose current
	// state does not admit the requested transition.
	ErrUnexpectedStep = errors.New("unexpected step state")

	// ErrLeaseExpired means the lease's deadline has already passed.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrFencingTokenStale means a newer lease has since been issued for
	// the same (workflow_id, step).
	ErrFencingTokenStale = errors.New("fencing token stale")

	// ErrLeaseUnknown means no lease exists with the given id.
	ErrLeaseUnknown = errors.New("lease unknown")

	// ErrNotFound means the workflow id is not recognized: no coordinator,
	// no events on disk.
	ErrNotFound = errors.New("workflow not found")

	// ErrAlreadyCreated means create() was called on a workflow that
	// already has a version > 0.
	ErrAlreadyCreated = errors.New("workflow already created")

	// ErrAlreadyTerminal means a lifecycle transition was requested on a
	// workflow whose overall state is already terminal.
	ErrAlreadyTerminal = errors.New("workflow already terminal")

	// ErrNoRunnableStep means advance() found no pending step and the
	// workflow is not yet fully completed either.
	ErrNoRunnableStep = errors.New("no runnable step")

	// ErrNoTask means the queue had nothing pull()-able.
	ErrNoTask = errors.New("no task available")

	// ErrCorruption means replay stopped early because of a CRC mismatch;
	// it is reported via logs/metrics, never fatal.
	ErrCorruption = errors.New("wal entry corrupted")
)
