package gma

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// State is the position of a heap, buffer or texture in its lifecycle. Objects only ever move
// forward through the states.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateDisposing
	StateDisposed
)

var stateMapping = map[State]string{
	StateUninitialized: "Uninitialized",
	StateInitialized:   "Initialized",
	StateDisposing:     "Disposing",
	StateDisposed:      "Disposed",
}

func (s State) String() string {
	return stateMapping[s]
}

type lifecycle struct {
	state atomic.Int32
}

func (l *lifecycle) State() State {
	return State(l.state.Load())
}

func (l *lifecycle) initialize() {
	if !l.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitialized)) {
		panic(fmt.Sprintf("attempted to initialize an object in state %s", l.State()))
	}
}

// beginDispose moves the object into Disposing and reports whether the caller won the race to
// dispose it. Only the winner may release resources.
func (l *lifecycle) beginDispose() bool {
	return l.state.CompareAndSwap(int32(StateInitialized), int32(StateDisposing))
}

func (l *lifecycle) endDispose() {
	if !l.state.CompareAndSwap(int32(StateDisposing), int32(StateDisposed)) {
		panic(fmt.Sprintf("attempted to finish disposing an object in state %s", l.State()))
	}
}

func (l *lifecycle) checkLive(objectName string) error {
	state := l.State()
	if state != StateInitialized {
		return errors.Wrapf(ErrDisposed, "%s is %s", objectName, state)
	}
	return nil
}
