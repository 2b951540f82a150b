package connection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rebeliceyang/vizconn/internal/log"
	"github.com/rebeliceyang/vizconn/internal/models"
)

// Source is a configuration store whose section entries the Manager mirrors.
// Each entry maps a connection name to an encoded "host,port,path" value.
type Source interface {
	// Entries lists the current entries of a section
	Entries(section string) ([]models.Entry, error)
	// Subscribe delivers subsequent changes to fn until cancel is called.
	// cancel must not wait for an in-progress delivery to return.
	Subscribe(section string, fn func(models.Change)) (cancel func(), err error)
}

// ManagerOption customizes a Manager
type ManagerOption func(*managerOptions)

type managerOptions struct {
	delimiter   string
	decoder     Decoder
	connOpts    []Option
	onMalformed func(name, value string, err error)
}

// WithDelimiter overrides the field delimiter of encoded entries
func WithDelimiter(delimiter string) ManagerOption {
	return func(o *managerOptions) {
		o.delimiter = delimiter
	}
}

// WithDecoder replaces DecodeEntry, e.g. to read extension fields
func WithDecoder(decoder Decoder) ManagerOption {
	return func(o *managerOptions) {
		o.decoder = decoder
	}
}

// WithConnectionOptions applies opts to every connection the manager creates
func WithConnectionOptions(opts ...Option) ManagerOption {
	return func(o *managerOptions) {
		o.connOpts = append(o.connOpts, opts...)
	}
}

// WithMalformedHandler is called for every entry that is skipped because it
// cannot be decoded
func WithMalformedHandler(fn func(name, value string, err error)) ManagerOption {
	return func(o *managerOptions) {
		o.onMalformed = fn
	}
}

// Manager owns the named connections built from a configuration source and
// indexes them by host. byName and byHost are always updated together under
// mu.
type Manager[T any] struct {
	opener Opener[T]
	opts   managerOptions

	mu        sync.RWMutex
	byName    map[string]*Connection[T]
	byHost    map[string]map[string]struct{}
	hostOf    map[string]string
	listeners []Listener[T]

	source     Source
	section    string
	cancel     func()
	generation uint64
	binding    bool
	pending    []models.Change

	resets sync.WaitGroup
}

// NewManager creates a manager whose connections use opener
func NewManager[T any](opener Opener[T], opts ...ManagerOption) *Manager[T] {
	o := managerOptions{
		delimiter: DefaultDelimiter,
		decoder:   DecodeEntry,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Manager[T]{
		opener: opener,
		opts:   o,
		byName: make(map[string]*Connection[T]),
		byHost: make(map[string]map[string]struct{}),
		hostOf: make(map[string]string),
	}
}

// Bind switches the manager to a new source. Connections built from the
// previous source are dropped and sent a disconnect that is not awaited.
// Binding nil only unbinds.
func (m *Manager[T]) Bind(source Source, section string) error {
	if source != nil && section == "" {
		return fmt.Errorf("%w: section key is required", ErrInvalidArgument)
	}

	m.mu.Lock()
	if source == m.source && section == m.section {
		m.mu.Unlock()
		return nil
	}
	m.unbindLocked()
	if source == nil {
		m.mu.Unlock()
		return nil
	}
	gen := m.generation
	m.binding = true
	m.mu.Unlock()

	// Changes that arrive before the initial entries are applied are held
	// in pending and replayed in order afterwards.
	cancel, err := source.Subscribe(section, func(ch models.Change) {
		m.handleChange(gen, ch)
	})
	if err != nil {
		m.abortBind(gen)
		return fmt.Errorf("failed to subscribe to section %q: %w", section, err)
	}

	entries, err := source.Entries(section)
	if err != nil {
		cancel()
		m.abortBind(gen)
		return fmt.Errorf("failed to read section %q: %w", section, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation {
		// superseded by another Bind or Shutdown
		cancel()
		return nil
	}

	m.source, m.section, m.cancel = source, section, cancel
	log.Info("bound configuration source", "section", section, "entries", len(entries))

	for _, e := range entries {
		m.addLocked(e.Key, e.Value)
	}
	pending := m.pending
	m.binding, m.pending = false, nil
	for _, ch := range pending {
		m.applyLocked(ch)
	}
	return nil
}

func (m *Manager[T]) abortBind(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.generation {
		m.binding, m.pending = false, nil
	}
}

// unbindLocked drops every connection and bumps the generation so late
// events from the old source are ignored
func (m *Manager[T]) unbindLocked() {
	m.generation++
	if m.cancel != nil {
		m.cancel()
	}
	for name, conn := range m.byName {
		log.Debug("dropping connection", "connection", name)
		conn.Disconnect()
	}
	clear(m.byName)
	clear(m.byHost)
	clear(m.hostOf)
	m.source, m.section, m.cancel = nil, "", nil
	m.binding, m.pending = false, nil
}

func (m *Manager[T]) handleChange(gen uint64, ch models.Change) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation {
		return
	}
	if m.binding {
		m.pending = append(m.pending, ch)
		return
	}
	m.applyLocked(ch)
}

func (m *Manager[T]) applyLocked(ch models.Change) {
	switch ch.Kind() {
	case models.ChangeAdd:
		m.addLocked(ch.Key, *ch.NewValue)
	case models.ChangeUpdate:
		m.updateLocked(ch.Key, *ch.NewValue)
	case models.ChangeRemove:
		m.removeLocked(ch.Key)
	}
}

func (m *Manager[T]) decode(name, value string) (Entry, bool) {
	var (
		entry Entry
		err   error
	)
	if strings.TrimSpace(name) == "" {
		err = fmt.Errorf("%w: empty connection name", ErrMalformedEntry)
	} else {
		entry, err = m.opts.decoder(value, m.opts.delimiter)
	}
	if err != nil {
		log.Warn("skipping malformed connection entry", "connection", name, "value", value, "error", err)
		if m.opts.onMalformed != nil {
			m.opts.onMalformed(name, value, err)
		}
		return Entry{}, false
	}
	return entry, true
}

func (m *Manager[T]) addLocked(name, value string) {
	if _, ok := m.byName[name]; ok {
		m.updateLocked(name, value)
		return
	}

	entry, ok := m.decode(name, value)
	if !ok {
		return
	}

	conn := New(m.opener, m.opts.connOpts...)
	conn.SetName(name)
	conn.SetHost(entry.Host)
	conn.SetPort(entry.Port)
	conn.SetPath(entry.Path)
	for _, kv := range entry.Extra {
		conn.SetProperty(kv.Key, kv.Value)
	}
	for _, l := range m.listeners {
		conn.AddListener(l)
	}

	m.byName[name] = conn
	m.indexLocked(name, conn.Host())
	log.Debug("added connection", "connection", name, "host", entry.Host, "port", entry.Port, "path", entry.Path)

	conn.Connect()
}

func (m *Manager[T]) updateLocked(name, value string) {
	conn, ok := m.byName[name]
	if !ok {
		m.addLocked(name, value)
		return
	}

	entry, ok := m.decode(name, value)
	if !ok {
		return
	}

	reset := false
	if conn.SetHost(entry.Host) {
		reset = true
	}
	if conn.SetPort(entry.Port) {
		reset = true
	}
	if conn.SetPath(entry.Path) {
		reset = true
	}
	for _, kv := range entry.Extra {
		if conn.SetProperty(kv.Key, kv.Value) {
			reset = true
		}
	}

	if host := conn.Host(); host != m.hostOf[name] {
		m.unindexLocked(name)
		m.indexLocked(name, host)
	}
	log.Debug("updated connection", "connection", name, "reset", reset)

	if reset {
		m.resetLocked(name, conn)
	}
}

// resetLocked disconnects now and reconnects in the background once the
// disconnect resolves, unless the connection has been dropped meanwhile
func (m *Manager[T]) resetLocked(name string, conn *Connection[T]) {
	pending := conn.Disconnect()

	m.resets.Add(1)
	go func() {
		defer m.resets.Done()

		state := pending.Get()
		log.Debug("connection reset disconnected", "connection", name, "state", state)

		m.mu.RLock()
		current := m.byName[name]
		m.mu.RUnlock()
		if current != conn {
			return
		}
		conn.Connect()
	}()
}

func (m *Manager[T]) removeLocked(name string) {
	conn, ok := m.byName[name]
	if !ok {
		return
	}

	delete(m.byName, name)
	m.unindexLocked(name)
	log.Debug("removed connection", "connection", name)

	conn.Disconnect()
}

func (m *Manager[T]) indexLocked(name, host string) {
	names, ok := m.byHost[host]
	if !ok {
		names = make(map[string]struct{})
		m.byHost[host] = names
	}
	names[name] = struct{}{}
	m.hostOf[name] = host
}

func (m *Manager[T]) unindexLocked(name string) {
	host, ok := m.hostOf[name]
	if !ok {
		return
	}
	delete(m.hostOf, name)

	names := m.byHost[host]
	delete(names, name)
	if len(names) == 0 {
		delete(m.byHost, host)
	}
}

// GetConnection returns the named connection
func (m *Manager[T]) GetConnection(name string) (*Connection[T], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.byName[name]
	return conn, ok
}

// Connections returns all connection names in lexical order
func (m *Manager[T]) Connections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnectionsForHost returns the names of connections on host in lexical
// order. An unknown host yields an empty slice; an empty host is an error.
func (m *Manager[T]) ConnectionsForHost(host string) ([]string, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: cannot find connections for an empty host name", ErrInvalidArgument)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.byHost[host]))
	for name := range m.byHost[host] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Hosts returns every indexed host in lexical order
func (m *Manager[T]) Hosts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hosts := make([]string, 0, len(m.byHost))
	for host := range m.byHost {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// Len returns the number of managed connections
func (m *Manager[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byName)
}

// AddListener attaches l to every current and future connection
func (m *Manager[T]) AddListener(l Listener[T]) bool {
	if l == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.listeners {
		if existing == l {
			return false
		}
	}
	m.listeners = append(m.listeners, l)
	for _, conn := range m.byName {
		conn.AddListener(l)
	}
	return true
}

// RemoveListener detaches l from every connection
func (m *Manager[T]) RemoveListener(l Listener[T]) bool {
	if l == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			for _, conn := range m.byName {
				conn.RemoveListener(l)
			}
			return true
		}
	}
	return false
}

// Shutdown unbinds the source, disconnects every connection and waits for
// the disconnects and any pending resets to finish or for ctx to expire.
func (m *Manager[T]) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	conns := make([]*Connection[T], 0, len(m.byName))
	for _, conn := range m.byName {
		conns = append(conns, conn)
	}
	m.unbindLocked()
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			_, err := conn.Disconnect().Wait(gctx)
			return err
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		m.resets.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
