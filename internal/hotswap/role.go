package hotswap

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle stage of one connection instance.
type State int32

const (
	StateConnecting State = iota
	StateStandby
	StateActive
	StateHandingOff
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStandby:
		return "standby"
	case StateActive:
		return "active"
	case StateHandingOff:
		return "handing_off"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Role is the hotswap state of one connection instance. Transitions happen
// under mu; State reads are lock free so the message path stays cheap.
type Role struct {
	ID     string
	backup bool

	mu          sync.Mutex
	state       atomic.Int32
	primary     bool
	connectedAt time.Time
	port        string

	promoted     chan struct{}
	done         chan struct{}
	scheduleOnce sync.Once
}

func newRole(backup bool) *Role {
	r := &Role{
		ID:       uuid.NewString(),
		backup:   backup,
		primary:  !backup,
		promoted: make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.state.Store(int32(StateConnecting))
	return r
}

// IsBackup reports whether the instance was started as a backup.
func (r *Role) IsBackup() bool { return r.backup }

func (r *Role) State() State { return State(r.state.Load()) }

// IsActive reports whether records received by this instance may be enqueued.
func (r *Role) IsActive() bool { return r.State() == StateActive }

// Promoted is closed when a backup takes over the stream.
func (r *Role) Promoted() <-chan struct{} { return r.promoted }

// Done is closed when the instance terminates.
func (r *Role) Done() <-chan struct{} { return r.done }

// ConnectedAt returns the start time of the current connection.
func (r *Role) ConnectedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectedAt
}

// Port returns the port of the current connection.
func (r *Role) Port() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port
}

// Age returns how long the current connection has been open.
func (r *Role) Age(now time.Time) time.Duration {
	at := r.ConnectedAt()
	if at.IsZero() {
		return 0
	}
	return now.Sub(at)
}

// Connected moves a connecting instance to Active when it holds the stream and
// to Standby otherwise, and returns the resulting state.
func (r *Role) Connected(port string, at time.Time) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() != StateConnecting {
		return r.State()
	}
	r.port = port
	r.connectedAt = at
	if r.primary {
		r.state.Store(int32(StateActive))
	} else {
		r.state.Store(int32(StateStandby))
	}
	return r.State()
}

// Disconnected moves a live instance back to Connecting.
func (r *Role) Disconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.State() {
	case StateActive, StateStandby:
		r.state.Store(int32(StateConnecting))
	}
}

func (r *Role) promote() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() != StateStandby {
		return false
	}
	r.primary = true
	r.state.Store(int32(StateActive))
	close(r.promoted)
	return true
}

func (r *Role) beginHandoff() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() != StateActive {
		return false
	}
	r.state.Store(int32(StateHandingOff))
	return true
}

func (r *Role) abortHandoff() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() == StateHandingOff {
		r.state.Store(int32(StateActive))
	}
}

// Terminate ends the instance. It is idempotent.
func (r *Role) Terminate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() == StateTerminated {
		return
	}
	r.state.Store(int32(StateTerminated))
	close(r.done)
}

// RoleStatus is a read-only view of a Role.
type RoleStatus struct {
	ID          string    `json:"id"`
	Backup      bool      `json:"backup"`
	State       string    `json:"state"`
	Port        string    `json:"port"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (r *Role) status() *RoleStatus {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return &RoleStatus{
		ID:          r.ID,
		Backup:      r.backup,
		State:       r.State().String(),
		Port:        r.port,
		ConnectedAt: r.connectedAt,
	}
}
