package models

// Entry is one key/value pair held by a configuration source
type Entry struct {
	Key   string
	Value string
}

// ChangeKind classifies a configuration change
type ChangeKind int

const (
	ChangeAdd ChangeKind = iota
	ChangeUpdate
	ChangeRemove
	ChangeNone
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeUpdate:
		return "update"
	case ChangeRemove:
		return "remove"
	default:
		return "none"
	}
}

// Change is a configuration source event. A nil OldValue means the key was
// added, a nil NewValue means it was removed.
type Change struct {
	Key      string  `json:"key"`
	OldValue *string `json:"old,omitempty"`
	NewValue *string `json:"new,omitempty"`
}

// Kind derives the change type from which values are present
func (c Change) Kind() ChangeKind {
	switch {
	case c.OldValue == nil && c.NewValue != nil:
		return ChangeAdd
	case c.OldValue != nil && c.NewValue != nil:
		return ChangeUpdate
	case c.OldValue != nil && c.NewValue == nil:
		return ChangeRemove
	default:
		return ChangeNone
	}
}

// NewAdd builds an add event
func NewAdd(key, value string) Change {
	return Change{Key: key, NewValue: &value}
}

// NewUpdate builds an update event
func NewUpdate(key, oldValue, newValue string) Change {
	return Change{Key: key, OldValue: &oldValue, NewValue: &newValue}
}

// NewRemove builds a remove event
func NewRemove(key, oldValue string) Change {
	return Change{Key: key, OldValue: &oldValue}
}
