package monitor

import (
	"github.com/pingcap/errors"
)

var (
	// ErrUnknownNode means an operation referenced a node the registry does
	// not know. Surfaced to the caller, never retried by the monitor.
	ErrUnknownNode = errors.New("node is not registered")

	// ErrDuplicateNode means a registration conflicts with an existing node
	// of the same formation.
	ErrDuplicateNode = errors.New("node is already registered")

	// ErrGroupFull means the target group reached its membership cap.
	ErrGroupFull = errors.New("group already has its maximum number of nodes")

	// ErrNoViableCandidate means a failover was needed but no standby was
	// eligible. The group is held stable and the condition is operator
	// visible through the event log.
	ErrNoViableCandidate = errors.New("no viable promotion candidate")

	// ErrNoPrimary means a group currently has no node able to take writes.
	ErrNoPrimary = errors.New("group has no writable node right now")

	// ErrInvalidTransition means a requested goal assignment is not in the
	// transition table.
	ErrInvalidTransition = errors.New("replication state transition not allowed")

	// ErrBadOperation means an operator command does not apply to the
	// group's current state, e.g. maintenance on a primary.
	ErrBadOperation = errors.New("operation not allowed in current group state")
)
