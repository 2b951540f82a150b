// Package source provides configuration sources that feed connection entries
// to a connection.Manager.
package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/rebeliceyang/vizconn/internal/models"
)

// ErrNotFound is returned when a key is not present in a section
var ErrNotFound = errors.New("not found")

type section struct {
	values      map[string]string
	order       []string
	subscribers map[int]func(models.Change)
}

func newSection() *section {
	return &section{
		values:      make(map[string]string),
		subscribers: make(map[int]func(models.Change)),
	}
}

// Store is an in-memory set of named sections, each an ordered key/value map
// with change subscribers. Mutations and their notifications are serialized,
// so subscribers see changes in the order they were made. Notifications are
// delivered on the mutating goroutine after the data lock is released.
type Store struct {
	deliverMu sync.Mutex

	mu       sync.Mutex
	sections map[string]*section
	nextID   int
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		sections: make(map[string]*section),
	}
}

func (s *Store) sectionLocked(name string) *section {
	sec, ok := s.sections[name]
	if !ok {
		sec = newSection()
		s.sections[name] = sec
	}
	return sec
}

// Entries lists the entries of a section in insertion order
func (s *Store) Entries(name string) ([]models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec, ok := s.sections[name]
	if !ok {
		return nil, nil
	}
	entries := make([]models.Entry, 0, len(sec.order))
	for _, key := range sec.order {
		entries = append(entries, models.Entry{Key: key, Value: sec.values[key]})
	}
	return entries, nil
}

// Subscribe registers fn for changes to a section
func (s *Store) Subscribe(name string, fn func(models.Change)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("subscriber must not be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.sectionLocked(name).subscribers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sec, ok := s.sections[name]; ok {
			delete(sec.subscribers, id)
		}
	}, nil
}

// Get returns the value stored under key
func (s *Store) Get(name, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sec, ok := s.sections[name]; ok {
		if v, ok := sec.values[key]; ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("%s/%s: %w", name, key, ErrNotFound)
}

// Put stores value under key and notifies subscribers if it changed
func (s *Store) Put(name, key, value string) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	sec := s.sectionLocked(name)
	old, existed := sec.values[key]
	if existed && old == value {
		s.mu.Unlock()
		return
	}
	if !existed {
		sec.order = append(sec.order, key)
	}
	sec.values[key] = value
	subs := subscribersOf(sec)
	s.mu.Unlock()

	if existed {
		deliver(subs, models.NewUpdate(key, old, value))
	} else {
		deliver(subs, models.NewAdd(key, value))
	}
}

// Remove deletes key and notifies subscribers. Removing a missing key is a no-op.
func (s *Store) Remove(name, key string) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	sec, ok := s.sections[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	old, existed := sec.values[key]
	if !existed {
		s.mu.Unlock()
		return
	}
	removeKey(sec, key)
	subs := subscribersOf(sec)
	s.mu.Unlock()

	deliver(subs, models.NewRemove(key, old))
}

// Replace makes a section hold exactly values, emitting the adds, updates and
// removes needed to get there
func (s *Store) Replace(name string, values map[string]string) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	sec := s.sectionLocked(name)
	var changes []models.Change

	for _, key := range append([]string(nil), sec.order...) {
		if _, keep := values[key]; !keep {
			changes = append(changes, models.NewRemove(key, sec.values[key]))
			removeKey(sec, key)
		}
	}
	for _, key := range sortedKeys(values) {
		value := values[key]
		old, existed := sec.values[key]
		switch {
		case !existed:
			sec.order = append(sec.order, key)
			changes = append(changes, models.NewAdd(key, value))
		case old != value:
			changes = append(changes, models.NewUpdate(key, old, value))
		default:
			continue
		}
		sec.values[key] = value
	}
	subs := subscribersOf(sec)
	s.mu.Unlock()

	for _, ch := range changes {
		deliver(subs, ch)
	}
}

// document is the on-disk layout: section name to key/value pairs
type document struct {
	Sections map[string]map[string]any `yaml:"sections"`
}

// Load reads a yaml document and makes the store match it. Sections missing
// from the document are emptied.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read connections file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse connections file: %w", err)
	}

	parsed := make(map[string]map[string]string, len(doc.Sections))
	for name, raw := range doc.Sections {
		values := make(map[string]string, len(raw))
		for key, v := range raw {
			str, err := cast.ToStringE(v)
			if err != nil {
				return fmt.Errorf("section %s key %s: %w", name, key, err)
			}
			values[key] = str
		}
		parsed[name] = values
	}

	s.mu.Lock()
	for name := range s.sections {
		if _, ok := parsed[name]; !ok {
			parsed[name] = nil
		}
	}
	s.mu.Unlock()

	for name, values := range parsed {
		s.Replace(name, values)
	}
	return nil
}

// Save writes every section to path as yaml, replacing the file atomically
func (s *Store) Save(path string) error {
	s.mu.Lock()
	doc := document{Sections: make(map[string]map[string]any, len(s.sections))}
	for name, sec := range s.sections {
		if len(sec.values) == 0 {
			continue
		}
		values := make(map[string]any, len(sec.values))
		for k, v := range sec.values {
			values[k] = v
		}
		doc.Sections[name] = values
	}
	s.mu.Unlock()

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal connections: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Replace the file in one step so a watcher never reads a partial document.
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary connections file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write connections file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write connections file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write connections file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace connections file: %w", err)
	}
	return nil
}

func removeKey(sec *section, key string) {
	delete(sec.values, key)
	for i, k := range sec.order {
		if k == key {
			sec.order = append(sec.order[:i], sec.order[i+1:]...)
			break
		}
	}
}

func subscribersOf(sec *section) []func(models.Change) {
	ids := make([]int, 0, len(sec.subscribers))
	for id := range sec.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	subs := make([]func(models.Change), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, sec.subscribers[id])
	}
	return subs
}

func deliver(subs []func(models.Change), ch models.Change) {
	for _, fn := range subs {
		fn(ch)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
