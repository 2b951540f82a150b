// Package properties holds the string properties that describe a connection.
package properties

import (
	"strconv"
	"strings"
)

// Well-known property names present on every connection
const (
	Name        = "Name"
	Description = "Description"
	Host        = "Host"
	Port        = "Port"
	Path        = "Path"
)

const (
	MinPort = 0
	MaxPort = 65535
)

// Validator accepts or rejects a candidate property value
type Validator func(value string) bool

// Store is an ordered name/value map with per-name validators.
// The validator table is fixed when the store is built.
// Store is not safe for concurrent use.
type Store struct {
	values     map[string]string
	order      []string
	validators map[string]Validator
}

// DefaultValidators returns the validator table for the well-known properties
func DefaultValidators() map[string]Validator {
	return map[string]Validator{
		Name:        notBlank,
		Description: accept,
		Host:        notBlank,
		Port:        ValidPort,
		Path:        accept,
	}
}

// Defaults returns the initial values of the well-known properties
func Defaults() []KeyValue {
	return []KeyValue{
		{Name, "Connection1"},
		{Description, ""},
		{Host, "localhost"},
		{Port, "50000"},
		{Path, ""},
	}
}

// KeyValue is a single ordered property
type KeyValue struct {
	Key   string
	Value string
}

// New creates a store using the default validators overlaid with extra
func New(extra map[string]Validator) *Store {
	validators := DefaultValidators()
	for name, v := range extra {
		validators[name] = v
	}

	return &Store{
		values:     make(map[string]string),
		validators: validators,
	}
}

// Get returns the value of a property
func (s *Store) Get(name string) (string, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Set validates and applies a value, reporting whether the stored value changed
func (s *Store) Set(name, value string) bool {
	if v, ok := s.validators[name]; ok && !v(value) {
		return false
	}

	old, existed := s.values[name]
	if existed && old == value {
		return false
	}

	if !existed {
		s.order = append(s.order, name)
	}
	s.values[name] = value
	return true
}

// Remove deletes a property. Properties with a bound validator are required
// and cannot be removed.
func (s *Store) Remove(name string) bool {
	if _, ok := s.validators[name]; ok {
		return false
	}
	if _, ok := s.values[name]; !ok {
		return false
	}

	delete(s.values, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Validate reports whether value would be accepted for name
func (s *Store) Validate(name, value string) bool {
	v, ok := s.validators[name]
	return !ok || v(value)
}

// Names returns property names in insertion order
func (s *Store) Names() []string {
	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}

// Snapshot returns a copy of all properties
func (s *Store) Snapshot() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// ValidPort accepts integers in [MinPort, MaxPort]
func ValidPort(value string) bool {
	port, err := strconv.Atoi(value)
	if err != nil {
		return false
	}
	return port >= MinPort && port <= MaxPort
}

func notBlank(value string) bool {
	return strings.TrimSpace(value) != ""
}

func accept(string) bool {
	return true
}
