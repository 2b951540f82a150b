package connection

import (
	"github.com/rebeliceyang/vizconn/internal/models"
)

// Listener observes state changes of a connection. Implementations must be
// comparable (pointer receivers are the usual choice) since listeners are
// kept in a set.
type Listener[T any] interface {
	ConnectionStateChanged(conn *Connection[T], state models.ConnectionState, message string)
}

// FuncListener adapts a function to the Listener interface
type FuncListener[T any] struct {
	fn func(conn *Connection[T], state models.ConnectionState, message string)
}

// NewListener wraps fn. Each call returns a distinct listener.
func NewListener[T any](fn func(conn *Connection[T], state models.ConnectionState, message string)) *FuncListener[T] {
	return &FuncListener[T]{fn: fn}
}

func (l *FuncListener[T]) ConnectionStateChanged(conn *Connection[T], state models.ConnectionState, message string) {
	l.fn(conn, state, message)
}
