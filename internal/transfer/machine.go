// Package transfer holds the lifecycle state machine shared by client and
// server transfers.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

var (
	// ErrIllegalTransition indicates a state change the variant forbids.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrOutOfOrder indicates a frame sequence number that is neither the
	// next one nor a re-delivery of the last one.
	ErrOutOfOrder = errors.New("frame out of order")
	// ErrNotCancelable indicates a cancel or abort once finishing started.
	ErrNotCancelable = errors.New("transfer can no longer be canceled")
)

// DefaultWaitInterval is the polling interval of WaitTerminal.
const DefaultWaitInterval = 50 * time.Millisecond

// Variant is the set of transitions legal for one kind of transfer.
// Canceled, Aborted and Failed are reachable from every non-terminal state
// except Finishing, which only fails.
type Variant struct {
	name  string
	edges map[service.State][]service.State
}

var (
	// ClientVariant governs both client upload and download transfers.
	ClientVariant = Variant{
		name: "client",
		edges: map[service.State][]service.State{
			service.StateInitialized: {service.StateStarted},
			service.StateStarted:     {service.StateTransferred},
			service.StateTransferred: {service.StateFinishing},
			service.StateFinishing:   {service.StateFinished},
		},
	}
	// ServerUploadVariant adds Prepared, entered when the whole batch is
	// validated before commit.
	ServerUploadVariant = Variant{
		name: "server-upload",
		edges: map[service.State][]service.State{
			service.StateInitialized: {service.StateStarted},
			service.StateStarted:     {service.StateTransferred},
			service.StateTransferred: {service.StatePrepared, service.StateFinishing},
			service.StatePrepared:    {service.StateFinishing},
			service.StateFinishing:   {service.StateFinished},
		},
	}
	// ServerDownloadVariant governs a server serving frames to a client.
	ServerDownloadVariant = Variant{
		name: "server-download",
		edges: map[service.State][]service.State{
			service.StateInitialized: {service.StateStarted},
			service.StateStarted:     {service.StateTransferred},
			service.StateTransferred: {service.StateFinishing},
			service.StateFinishing:   {service.StateFinished},
		},
	}
)

func (v Variant) String() string { return v.name }

// Allows reports whether from → to is legal.
func (v Variant) Allows(from, to service.State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case service.StateFailed:
		return true
	case service.StateCanceled, service.StateAborted:
		return from != service.StateFinishing
	}
	for _, s := range v.edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Status is a snapshot of a transfer.
type Status struct {
	State            service.State
	StartedAt        time.Time
	LastActivity     time.Time
	RecoveryCount    int
	TransferredBytes int64
	LastSeqNum       int
	FrameCount       int
	Err              error
	Response         []byte
}

// Wire converts the snapshot to what a server reports over the service.
func (s Status) Wire() service.Status {
	ws := service.Status{State: s.State, LastSeqNum: s.LastSeqNum, Response: s.Response}
	if s.Err != nil {
		ws.ErrorCode = service.CodeFailed
		if fe, ok := service.AsFatal(s.Err); ok {
			ws.ErrorCode = fe.Code
		}
		ws.ErrorMessage = s.Err.Error()
	}
	return ws
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// Machine owns the lifecycle state of one transfer. All methods are safe
// for concurrent use.
type Machine struct {
	mu      sync.Mutex
	variant Variant
	status  Status
	now     func() time.Time

	cancelRequested bool
	cancelCh        chan struct{}
	doneCh          chan struct{}
}

// New creates a machine in Initialized.
func New(v Variant, opts ...Option) *Machine {
	m := &Machine{
		variant:  v,
		now:      time.Now,
		cancelCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.status.LastActivity = m.now()
	return m
}

// State returns the current state.
func (m *Machine) State() service.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.State
}

// Snapshot returns a copy of the status.
func (m *Machine) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status
	if s.Response != nil {
		s.Response = append([]byte(nil), s.Response...)
	}
	return s
}

// Transition moves to state to if the variant allows it.
func (m *Machine) Transition(to service.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// TransitionFrom moves from → to only if the machine is currently in from.
func (m *Machine) TransitionFrom(from, to service.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.State != from {
		return fmt.Errorf("%w: %s -> %s while %s", ErrIllegalTransition, from, to, m.status.State)
	}
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to service.State) error {
	from := m.status.State
	if !m.variant.Allows(from, to) {
		if to == service.StateCanceled || to == service.StateAborted {
			if from == service.StateFinishing || from == service.StateFinished {
				return fmt.Errorf("%w: %s", ErrNotCancelable, from)
			}
		}
		return fmt.Errorf("%w: %s -> %s (%s)", ErrIllegalTransition, from, to, m.variant)
	}
	now := m.now()
	m.status.State = to
	m.status.LastActivity = now
	if to == service.StateStarted {
		m.status.StartedAt = now
	}
	if to.Terminal() {
		close(m.doneCh)
	}
	return nil
}

// Fail moves a non-terminal transfer to Failed with cause. It reports
// whether the transition happened.
func (m *Machine) Fail(cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.State.Terminal() {
		return false
	}
	m.status.Err = cause
	return m.transitionLocked(service.StateFailed) == nil
}

// Finish records the response and moves Finishing → Finished.
func (m *Machine) Finish(response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.State != service.StateFinishing {
		return fmt.Errorf("%w: finish while %s", ErrIllegalTransition, m.status.State)
	}
	m.status.Response = append([]byte(nil), response...)
	return m.transitionLocked(service.StateFinished)
}

// CheckSeq validates the sequence number of the next frame. It reports a
// re-delivery of the last acknowledged frame, the one tolerance granted to
// recovery. New frames are only legal while Started.
func (m *Machine) CheckSeq(seq int) (redelivery bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.status.LastSeqNum
	switch {
	case seq == last && last > 0 && m.status.State.Moving():
		m.status.LastActivity = m.now()
		return true, nil
	case m.status.State != service.StateStarted:
		return false, fmt.Errorf("%w: frame %d while %s", ErrIllegalTransition, seq, m.status.State)
	case seq == last+1:
		return false, nil
	default:
		return false, fmt.Errorf("%w: got %d, expected %d", ErrOutOfOrder, seq, last+1)
	}
}

// Ack records frame seq carrying n data bytes as acknowledged.
func (m *Machine) Ack(seq int, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.LastSeqNum = seq
	m.status.FrameCount++
	m.status.TransferredBytes += n
	m.status.LastActivity = m.now()
}

// Touch records activity without other changes.
func (m *Machine) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.LastActivity = m.now()
}

// RecoveryStarted counts one retry of the current operation.
func (m *Machine) RecoveryStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.RecoveryCount++
}

// ResetRecovery clears the retry counter at the start of a new operation.
func (m *Machine) ResetRecovery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.RecoveryCount = 0
}

// RequestCancel flags the transfer for cancellation. Workers observe the
// flag at their next check-point. It fails once finishing has started.
func (m *Machine) RequestCancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.status.State {
	case service.StateFinishing, service.StateFinished:
		return fmt.Errorf("%w: %s", ErrNotCancelable, m.status.State)
	}
	if m.status.State.Terminal() || m.cancelRequested {
		return nil
	}
	m.cancelRequested = true
	close(m.cancelCh)
	return nil
}

// CancelRequested reports whether RequestCancel was called.
func (m *Machine) CancelRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelRequested
}

// PermitRecovery reports whether a retry may start. Pending cancellation
// forbids it.
func (m *Machine) PermitRecovery() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.cancelRequested && !m.status.State.Terminal()
}

// Canceled is closed by RequestCancel.
func (m *Machine) Canceled() <-chan struct{} { return m.cancelCh }

// Done is closed when the machine reaches a terminal state.
func (m *Machine) Done() <-chan struct{} { return m.doneCh }

// WaitTerminal polls until the state is terminal or ctx is done.
func (m *Machine) WaitTerminal(ctx context.Context, interval time.Duration) (Status, error) {
	if interval <= 0 {
		interval = DefaultWaitInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if s := m.Snapshot(); s.State.Terminal() {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return m.Snapshot(), ctx.Err()
		case <-m.doneCh:
		case <-ticker.C:
		}
	}
}

// Idle reports whether a non-terminal transfer has seen no activity for
// timeout.
func (m *Machine) Idle(timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.State.Terminal() || timeout <= 0 {
		return false
	}
	return m.now().Sub(m.status.LastActivity) >= timeout
}
