// Package connection implements the connection state machine and the manager
// that keeps a set of connections in step with a configuration source.
package connection

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/rebeliceyang/vizconn/internal/log"
	"github.com/rebeliceyang/vizconn/internal/models"
	"github.com/rebeliceyang/vizconn/internal/properties"
)

// Opener establishes and releases the external resource behind a connection.
// Both methods are called from the connection's worker goroutine, never from
// the goroutine that called Connect or Disconnect. A non-nil error means the
// operation failed; for Close that means the widget is still live.
type Opener[T any] interface {
	Open(props map[string]string) (T, error)
	Close(widget T) error
}

// Status messages
const (
	MsgNotConfigured    = "The connection has not been configured."
	MsgConnecting       = "The connection is being established."
	MsgConnected        = "The connection is established."
	MsgConnectFailed    = "The connection failed to connect."
	MsgClosed           = "The connection is closed."
	MsgDisconnectFailed = "The connection failed while disconnecting."
)

var errNoWidget = errors.New("opener returned no widget")

// Option customizes a new Connection
type Option func(*options)

type options struct {
	validators map[string]properties.Validator
	defaults   []properties.KeyValue
}

// WithValidators adds or overrides property validators
func WithValidators(validators map[string]properties.Validator) Option {
	return func(o *options) {
		for k, v := range validators {
			o.validators[k] = v
		}
	}
}

// WithDefaults sets initial values for extension properties
func WithDefaults(kvs ...properties.KeyValue) Option {
	return func(o *options) {
		o.defaults = append(o.defaults, kvs...)
	}
}

// Connection is a state machine around a single external widget.
//
// Connect and Disconnect never block. Each queues an operation on the
// connection's own worker and returns a Future. A call joins the last queued
// operation when it is of the same kind, so the opener is called at most
// once per connect cycle however many goroutines ask. A call of the other
// kind queues behind it and runs once it resolves.
type Connection[T any] struct {
	opener Opener[T]

	// mu guards everything below it up to ops
	mu        sync.RWMutex
	props     *properties.Store
	state     models.ConnectionState
	message   string
	widget    T
	hasWidget bool
	tail      *Future

	ops worker

	listenersMu sync.Mutex
	listeners   map[Listener[T]]struct{}
	rounds      worker
}

// New creates a disconnected connection with default properties
func New[T any](opener Opener[T], opts ...Option) *Connection[T] {
	o := &options{validators: make(map[string]properties.Validator)}
	for _, opt := range opts {
		opt(o)
	}

	props := properties.New(o.validators)
	for _, kv := range properties.Defaults() {
		props.Set(kv.Key, kv.Value)
	}
	for _, kv := range o.defaults {
		props.Set(kv.Key, kv.Value)
	}

	return &Connection[T]{
		opener:    opener,
		props:     props,
		state:     models.Disconnected,
		message:   MsgNotConfigured,
		listeners: make(map[Listener[T]]struct{}),
	}
}

// Connect opens the connection unless it is already open.
func (c *Connection[T]) Connect() *Future {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tail != nil {
		if c.tail.op == opConnect {
			return c.tail
		}
		return c.enqueueLocked(opConnect, c.runConnect)
	}

	if c.state == models.Connected {
		return resolvedFuture(c.state)
	}

	c.setStateLocked(models.Connecting, MsgConnecting)
	return c.enqueueLocked(opConnect, c.runConnect)
}

// Disconnect closes the connection. It resolves immediately when there is
// nothing to close.
func (c *Connection[T]) Disconnect() *Future {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tail != nil {
		if c.tail.op == opDisconnect {
			return c.tail
		}
		return c.enqueueLocked(opDisconnect, c.runDisconnect)
	}

	if c.state == models.Disconnected || (c.state == models.Failed && !c.hasWidget) {
		return resolvedFuture(c.state)
	}

	return c.enqueueLocked(opDisconnect, c.runDisconnect)
}

func (c *Connection[T]) enqueueLocked(op operation, run func(*Future)) *Future {
	f := newFuture(op)
	c.tail = f
	log.Debug("connection operation queued", "connection", c.nameLocked(), "op", op, "id", f.id)
	c.ops.submit(func() { run(f) })
	return f
}

// finishLocked retires f and returns the state it resolves to
func (c *Connection[T]) finishLocked(f *Future) models.ConnectionState {
	if c.tail == f {
		c.tail = nil
	}
	return c.state
}

func (c *Connection[T]) runConnect(f *Future) {
	c.mu.Lock()
	if c.state == models.Connected {
		state := c.finishLocked(f)
		c.mu.Unlock()
		f.resolve(state)
		return
	}
	if c.state != models.Connecting {
		c.setStateLocked(models.Connecting, MsgConnecting)
	}
	stale, hasStale := c.widget, c.hasWidget
	props := c.props.Snapshot()
	name := c.nameLocked()
	c.mu.Unlock()

	// A widget left over from a failed close is released before reopening.
	// If it still cannot be closed it is kept and nothing new is opened.
	if hasStale {
		if err := c.close(stale); err != nil {
			log.Error("failed to release stale widget", "connection", name, "id", f.id, "error", err)
			c.mu.Lock()
			c.setStateLocked(models.Failed, withCause(MsgDisconnectFailed, err))
			state := c.finishLocked(f)
			c.mu.Unlock()
			f.resolve(state)
			return
		}
	}

	widget, err := c.open(props)

	c.mu.Lock()
	if err == nil {
		c.widget, c.hasWidget = widget, true
		c.setStateLocked(models.Connected, MsgConnected)
	} else {
		var zero T
		c.widget, c.hasWidget = zero, false
		log.Error("connection failed to open", "connection", name, "id", f.id, "error", err)
		c.setStateLocked(models.Failed, withCause(MsgConnectFailed, err))
	}
	state := c.finishLocked(f)
	c.mu.Unlock()

	f.resolve(state)
}

func (c *Connection[T]) runDisconnect(f *Future) {
	c.mu.Lock()
	if !c.hasWidget {
		state := c.finishLocked(f)
		c.mu.Unlock()
		f.resolve(state)
		return
	}
	widget := c.widget
	name := c.nameLocked()
	c.mu.Unlock()

	err := c.close(widget)

	c.mu.Lock()
	if err == nil {
		var zero T
		c.widget, c.hasWidget = zero, false
		c.setStateLocked(models.Disconnected, MsgClosed)
	} else {
		log.Error("connection failed to close", "connection", name, "id", f.id, "error", err)
		c.setStateLocked(models.Failed, withCause(MsgDisconnectFailed, err))
	}
	state := c.finishLocked(f)
	c.mu.Unlock()

	f.resolve(state)
}

func (c *Connection[T]) open(props map[string]string) (widget T, err error) {
	var pc panics.Catcher
	pc.Try(func() {
		widget, err = c.opener.Open(props)
	})
	if r := pc.Recovered(); r != nil {
		var zero T
		return zero, fmt.Errorf("open panicked: %v", r.Value)
	}
	if err == nil && isNil(widget) {
		err = errNoWidget
	}
	return widget, err
}

func (c *Connection[T]) close(widget T) (err error) {
	var pc panics.Catcher
	pc.Try(func() {
		err = c.opener.Close(widget)
	})
	if r := pc.Recovered(); r != nil {
		return fmt.Errorf("close panicked: %v", r.Value)
	}
	return err
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func withCause(msg string, err error) string {
	if err == nil {
		return msg
	}
	return msg + " " + err.Error()
}

func (c *Connection[T]) setStateLocked(state models.ConnectionState, message string) {
	c.state = state
	c.message = message
	log.Debug("connection state changed", "connection", c.nameLocked(), "state", state, "message", message)
	c.notifyLocked(state, message)
}

// notifyLocked queues one notification round. Rounds run in the order they
// are queued; listeners within a round run concurrently.
func (c *Connection[T]) notifyLocked(state models.ConnectionState, message string) {
	c.listenersMu.Lock()
	if len(c.listeners) == 0 {
		c.listenersMu.Unlock()
		return
	}
	targets := make([]Listener[T], 0, len(c.listeners))
	for l := range c.listeners {
		targets = append(targets, l)
	}
	c.listenersMu.Unlock()

	c.rounds.submit(func() {
		c.dispatch(targets, state, message)
	})
}

func (c *Connection[T]) dispatch(targets []Listener[T], state models.ConnectionState, message string) {
	var wg conc.WaitGroup
	for _, l := range targets {
		l := l
		wg.Go(func() {
			var pc panics.Catcher
			pc.Try(func() {
				l.ConnectionStateChanged(c, state, message)
			})
			if r := pc.Recovered(); r != nil {
				log.Error("connection listener panicked", "connection", c.Name(), "state", state, "panic", r.Value)
			}
		})
	}
	wg.Wait()
}

// AddListener registers l, returning false if it was already registered
func (c *Connection[T]) AddListener(l Listener[T]) bool {
	if l == nil {
		return false
	}
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if _, ok := c.listeners[l]; ok {
		return false
	}
	c.listeners[l] = struct{}{}
	return true
}

// RemoveListener unregisters l, returning false if it was not registered
func (c *Connection[T]) RemoveListener(l Listener[T]) bool {
	if l == nil {
		return false
	}
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if _, ok := c.listeners[l]; !ok {
		return false
	}
	delete(c.listeners, l)
	return true
}

// State returns the most recently committed state
func (c *Connection[T]) State() models.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// StatusMessage describes the current state
func (c *Connection[T]) StatusMessage() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.message
}

// Widget returns the open widget, if any
func (c *Connection[T]) Widget() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.widget, c.hasWidget
}

// Property returns a single property value
func (c *Connection[T]) Property(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.props.Get(name)
}

// Properties returns a copy of all properties
func (c *Connection[T]) Properties() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.props.Snapshot()
}

// SetProperty validates and applies a value and reports whether it changed.
// Changing properties never reconnects by itself.
func (c *Connection[T]) SetProperty(name, value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props.Set(name, value)
}

// RemoveProperty deletes an extension property
func (c *Connection[T]) RemoveProperty(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props.Remove(name)
}

func (c *Connection[T]) SetName(name string) bool {
	return c.SetProperty(properties.Name, name)
}

func (c *Connection[T]) SetDescription(description string) bool {
	return c.SetProperty(properties.Description, description)
}

func (c *Connection[T]) SetHost(host string) bool {
	return c.SetProperty(properties.Host, host)
}

func (c *Connection[T]) SetPort(port int) bool {
	return c.SetProperty(properties.Port, strconv.Itoa(port))
}

func (c *Connection[T]) SetPath(path string) bool {
	return c.SetProperty(properties.Path, path)
}

func (c *Connection[T]) Name() string {
	v, _ := c.Property(properties.Name)
	return v
}

func (c *Connection[T]) Description() string {
	v, _ := c.Property(properties.Description)
	return v
}

func (c *Connection[T]) Host() string {
	v, _ := c.Property(properties.Host)
	return v
}

// Port returns the port as an integer. The validator guarantees it parses.
func (c *Connection[T]) Port() int {
	v, _ := c.Property(properties.Port)
	port, _ := strconv.Atoi(v)
	return port
}

func (c *Connection[T]) Path() string {
	v, _ := c.Property(properties.Path)
	return v
}

func (c *Connection[T]) nameLocked() string {
	v, _ := c.props.Get(properties.Name)
	return v
}
