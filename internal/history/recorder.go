package history

import (
	"time"

	"github.com/rebeliceyang/vizconn/internal/connection"
	"github.com/rebeliceyang/vizconn/internal/log"
	"github.com/rebeliceyang/vizconn/internal/models"
)

// Recorder is a connection listener that writes every transition to a Store
type Recorder[T any] struct {
	store *Store
}

// NewRecorder creates a recorder backed by store
func NewRecorder[T any](store *Store) *Recorder[T] {
	return &Recorder[T]{store: store}
}

var _ connection.Listener[any] = (*Recorder[any])(nil)

func (r *Recorder[T]) ConnectionStateChanged(conn *connection.Connection[T], state models.ConnectionState, message string) {
	t := models.Transition{
		ConnectionName: conn.Name(),
		Host:           conn.Host(),
		State:          state,
		Message:        message,
		At:             time.Now(),
	}
	if err := r.store.Add(t); err != nil {
		log.Error("failed to record transition", "connection", t.ConnectionName, "state", state, "error", err)
	}
}
