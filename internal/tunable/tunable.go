// Package tunable implements validated, runtime-settable control
// parameters. Writes outside a tunable's inclusive range are rejected
// outright and the prior value is retained; there is no clamping on the
// write path.
package tunable

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/constraints"
)

// ErrOutOfRange is returned when a write falls outside the tunable's
// documented inclusive range.
var ErrOutOfRange = errors.New("value out of range")

// ErrUnknown is returned by Store.Set for parameter names it does not
// hold.
var ErrUnknown = errors.New("unknown tunable")

// Param is the untyped surface a management path uses to read and write
// a tunable by name.
type Param interface {
	Name() string
	GetRaw() int64
	SetRaw(value int64) error
}

// Tunable is a named numeric control value with an inclusive valid
// range and an optional side-effecting setter. Reads and writes are
// atomic; a write may race with a controller's read mid-decision, which
// the control loops tolerate.
type Tunable[T constraints.Integer] struct {
	name  string
	min   T
	max   T
	value atomic.Int64
	onSet func(T)
}

// New creates a tunable holding def, accepting writes in [min, max].
// onSet, if non-nil, runs after every accepted write (e.g. to trigger an
// immediate reschedule). def must itself lie in range.
func New[T constraints.Integer](name string, def, min, max T, onSet func(T)) *Tunable[T] {
	t := &Tunable[T]{
		name:  name,
		min:   min,
		max:   max,
		onSet: onSet,
	}
	t.value.Store(int64(def))

	return t
}

func (t *Tunable[T]) Name() string { return t.name }

func (t *Tunable[T]) Get() T { return T(t.value.Load()) }

func (t *Tunable[T]) GetRaw() int64 { return t.value.Load() }

// Set applies value if it lies within the inclusive range, running the
// side effect on success. Out-of-range values are rejected and the
// prior value is retained.
func (t *Tunable[T]) Set(value T) error {
	if value < t.min || value > t.max {
		return fmt.Errorf("%s=%d: %w (valid %d-%d)", t.name, value, ErrOutOfRange, t.min, t.max)
	}
	t.value.Store(int64(value))
	if t.onSet != nil {
		t.onSet(value)
	}

	return nil
}

func (t *Tunable[T]) SetRaw(value int64) error {
	if value < int64(t.min) || value > int64(t.max) {
		return fmt.Errorf("%s=%d: %w (valid %d-%d)", t.name, value, ErrOutOfRange, t.min, t.max)
	}

	return t.Set(T(value))
}

// Store indexes tunables by name for the external management path.
type Store struct {
	mu     sync.RWMutex
	params map[string]Param
}

func NewStore() *Store {
	return &Store{params: map[string]Param{}}
}

func (s *Store) Register(params ...Param) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range params {
		s.params[p.Name()] = p
	}
}

func (s *Store) Set(name string, value int64) error {
	s.mu.RLock()
	p, found := s.params[name]
	s.mu.RUnlock()
	if !found {
		return fmt.Errorf("%s: %w", name, ErrUnknown)
	}

	return p.SetRaw(value)
}

func (s *Store) Get(name string) (int64, error) {
	s.mu.RLock()
	p, found := s.params[name]
	s.mu.RUnlock()
	if !found {
		return 0, fmt.Errorf("%s: %w", name, ErrUnknown)
	}

	return p.GetRaw(), nil
}

// Names returns the registered parameter names, for the trigger bus to
// subscribe per-tunable topics.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.params))
	for name := range s.params {
		names = append(names, name)
	}

	return names
}
