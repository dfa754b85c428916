package phase

// Package phase is the user-visible progress of an upload: a small state
// machine shared by recording uploads and the avatar upload.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type Kind int

const (
	Idle Kind = iota
	SelectingSource
	Acquiring
	Processing
	Transferring
	Success
	Error
)

var kindNames = [...]string{"idle", "selecting_source", "acquiring", "processing", "transferring", "success", "error"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Terminal reports whether k is Success or Error.
func (k Kind) Terminal() bool { return k == Success || k == Error }

var transitions = map[Kind][]Kind{
	Idle:            {SelectingSource, Acquiring, Processing},
	SelectingSource: {Acquiring, Idle},
	Acquiring:       {Processing, Error, Idle},
	Processing:      {Transferring, Error, Idle},
	Transferring:    {Success, Error, Idle},
	Success:         {Idle},
	Error:           {Idle},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to Kind) bool {
	for _, k := range transitions[from] {
		if k == to {
			return true
		}
	}
	return false
}

var ErrIllegalTransition = errors.New("illegal phase transition")

type TransitionError struct {
	From, To Kind
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", ErrIllegalTransition, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// Phase is a snapshot of the machine. Payload is set from Processing on,
// Result only in Success and Message only in Error.
type Phase[P, R any] struct {
	Kind    Kind
	Payload P
	Result  R
	Message string
}

// TransferFunc performs the actual upload of payload.
type TransferFunc[P, R any] func(ctx context.Context, payload P) (R, error)

const DefaultDismissAfter = 3 * time.Second

// Machine guards the transitions and notifies subscribers of changes.
// Deliveries are serialised and never go backwards: a change that loses the
// race to be delivered after a newer one is dropped, so subscribers always
// end on the current phase. Callbacks run without the state lock held; they
// must not block and must not change the phase.
type Machine[P, R any] struct {
	transfer     TransferFunc[P, R]
	dismissAfter time.Duration

	mu      sync.Mutex
	current Phase[P, R]
	gen     uint64 // bumped on every change
	timer   *time.Timer
	subs    map[int]func(Phase[P, R])
	nextSub int

	notifyMu  sync.Mutex
	delivered uint64 // gen of the last delivered change
}

// New creates a machine in Idle. A zero dismissAfter uses
// DefaultDismissAfter; a negative one keeps terminal phases until Reset.
func New[P, R any](transfer func(ctx context.Context, payload P) (R, error), dismissAfter time.Duration) *Machine[P, R] {
	if dismissAfter == 0 {
		dismissAfter = DefaultDismissAfter
	}
	return &Machine[P, R]{
		transfer:     transfer,
		dismissAfter: dismissAfter,
		subs:         make(map[int]func(Phase[P, R])),
	}
}

func (m *Machine[P, R]) Current() Phase[P, R] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe registers fn for phase changes.
func (m *Machine[P, R]) Subscribe(fn func(Phase[P, R])) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Machine[P, R]) Select() error {
	return m.move(Phase[P, R]{Kind: SelectingSource})
}

func (m *Machine[P, R]) Acquire() error {
	return m.move(Phase[P, R]{Kind: Acquiring})
}

// Process records the resolved payload.
func (m *Machine[P, R]) Process(payload P) error {
	return m.move(Phase[P, R]{Kind: Processing, Payload: payload})
}

// Fail enters Error with msg.
func (m *Machine[P, R]) Fail(msg string) error {
	m.mu.Lock()
	next := Phase[P, R]{Kind: Error, Payload: m.current.Payload, Message: msg}
	m.mu.Unlock()
	return m.move(next)
}

// Cancel returns to Idle from any phase. A transfer in progress keeps
// running, but its result no longer changes the phase.
func (m *Machine[P, R]) Cancel() {
	m.mu.Lock()
	if m.current.Kind == Idle {
		m.mu.Unlock()
		return
	}
	snap, gen := m.setLocked(Phase[P, R]{Kind: Idle})
	m.mu.Unlock()
	m.deliver(gen, snap)
}

// Reset dismisses a terminal phase early.
func (m *Machine[P, R]) Reset() { m.Cancel() }

// Transfer runs the transfer function once for the Processing payload and
// enters Success or Error with its outcome. The outcome is returned even
// when the phase was cancelled meanwhile.
func (m *Machine[P, R]) Transfer(ctx context.Context) (R, error) {
	var zero R

	m.mu.Lock()
	if m.current.Kind != Processing {
		from := m.current.Kind
		m.mu.Unlock()
		return zero, &TransitionError{From: from, To: Transferring}
	}
	payload := m.current.Payload
	snap, gen := m.setLocked(Phase[P, R]{Kind: Transferring, Payload: payload})
	m.mu.Unlock()
	m.deliver(gen, snap)

	result, err := m.transfer(ctx, payload)

	next := Phase[P, R]{Kind: Success, Payload: payload, Result: result}
	if err != nil {
		next = Phase[P, R]{Kind: Error, Payload: payload, Message: err.Error()}
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return result, err
	}
	snap, gen = m.setLocked(next)
	m.mu.Unlock()
	m.deliver(gen, snap)
	return result, err
}

func (m *Machine[P, R]) move(next Phase[P, R]) error {
	m.mu.Lock()
	if !CanTransition(m.current.Kind, next.Kind) {
		from := m.current.Kind
		m.mu.Unlock()
		return &TransitionError{From: from, To: next.Kind}
	}
	snap, gen := m.setLocked(next)
	m.mu.Unlock()
	m.deliver(gen, snap)
	return nil
}

// setLocked installs next and returns it with its generation for deliver.
func (m *Machine[P, R]) setLocked(next Phase[P, R]) (Phase[P, R], uint64) {
	m.current = next
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if next.Kind.Terminal() && m.dismissAfter > 0 {
		gen := m.gen
		m.timer = time.AfterFunc(m.dismissAfter, func() { m.dismiss(gen) })
	}
	return next, m.gen
}

func (m *Machine[P, R]) dismiss(gen uint64) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	snap, next := m.setLocked(Phase[P, R]{Kind: Idle})
	m.mu.Unlock()
	m.deliver(next, snap)
}

// deliver notifies subscribers of the change with generation gen, unless a
// newer change was delivered first.
func (m *Machine[P, R]) deliver(gen uint64, p Phase[P, R]) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if gen <= m.delivered {
		return
	}
	m.delivered = gen

	m.mu.Lock()
	subs := make([]func(Phase[P, R]), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(p)
	}
}
