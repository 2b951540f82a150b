package connection

import (
	"context"

	"github.com/google/uuid"
	"github.com/rebeliceyang/vizconn/internal/models"
)

type operation int

const (
	opNone operation = iota
	opConnect
	opDisconnect
)

func (o operation) String() string {
	switch o {
	case opConnect:
		return "connect"
	case opDisconnect:
		return "disconnect"
	default:
		return "none"
	}
}

// Future is the pending result of a Connect or Disconnect call.
// Every caller that joined the same operation receives the same Future.
type Future struct {
	id    string
	op    operation
	done  chan struct{}
	state models.ConnectionState
}

func newFuture(op operation) *Future {
	return &Future{
		id:   uuid.New().String(),
		op:   op,
		done: make(chan struct{}),
	}
}

func resolvedFuture(state models.ConnectionState) *Future {
	f := newFuture(opNone)
	f.resolve(state)
	return f
}

// resolve must be called exactly once
func (f *Future) resolve(state models.ConnectionState) {
	f.state = state
	close(f.done)
}

// ID identifies the operation in logs
func (f *Future) ID() string {
	return f.id
}

// Done is closed once the result is available
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the result is available without blocking
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the operation resolves or ctx is done
func (f *Future) Wait(ctx context.Context) (models.ConnectionState, error) {
	select {
	case <-f.done:
		return f.state, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Get blocks until the operation resolves
func (f *Future) Get() models.ConnectionState {
	<-f.done
	return f.state
}
