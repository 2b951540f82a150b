package connection

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rebeliceyang/vizconn/internal/properties"
)

// DefaultDelimiter separates the fields of an encoded connection entry
const DefaultDelimiter = ","

// Entry is a decoded configuration value. Extra holds extension properties
// produced by custom decoders.
type Entry struct {
	Host  string
	Port  int
	Path  string
	Extra []properties.KeyValue
}

// Decoder turns an encoded configuration value into an Entry
type Decoder func(value, delimiter string) (Entry, error)

// DecodeEntry parses "host<d>port<d>path". Trailing empty fields are kept,
// so "h,1," has an empty path. Fields beyond the third are ignored.
func DecodeEntry(value, delimiter string) (Entry, error) {
	fields, err := SplitEntry(value, delimiter, 3)
	if err != nil {
		return Entry{}, err
	}
	return decodeCore(fields)
}

// SplitEntry splits value and checks it has at least min fields
func SplitEntry(value, delimiter string, min int) ([]string, error) {
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}
	fields := strings.Split(value, delimiter)
	if len(fields) < min {
		return nil, fmt.Errorf("%w: expected at least %d fields, got %d", ErrMalformedEntry, min, len(fields))
	}
	return fields, nil
}

func decodeCore(fields []string) (Entry, error) {
	host := fields[0]
	if strings.TrimSpace(host) == "" {
		return Entry{}, fmt.Errorf("%w: empty host", ErrMalformedEntry)
	}

	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return Entry{}, fmt.Errorf("%w: invalid port %q", ErrMalformedEntry, fields[1])
	}
	if port < properties.MinPort || port > properties.MaxPort {
		return Entry{}, fmt.Errorf("%w: port %d out of range", ErrMalformedEntry, port)
	}

	return Entry{Host: host, Port: port, Path: fields[2]}, nil
}

// ExtensionDecoder returns a Decoder that maps the fields after host, port
// and path onto the named extension properties. Missing trailing fields
// decode as empty strings.
func ExtensionDecoder(names ...string) Decoder {
	return func(value, delimiter string) (Entry, error) {
		fields, err := SplitEntry(value, delimiter, 3)
		if err != nil {
			return Entry{}, err
		}
		entry, err := decodeCore(fields)
		if err != nil {
			return Entry{}, err
		}

		for i, name := range names {
			v := ""
			if 3+i < len(fields) {
				v = fields[3+i]
			}
			entry.Extra = append(entry.Extra, properties.KeyValue{Key: name, Value: v})
		}
		return entry, nil
	}
}

// EncodeEntry is the inverse of DecodeEntry
func EncodeEntry(e Entry, delimiter string) string {
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}
	fields := []string{e.Host, strconv.Itoa(e.Port), e.Path}
	for _, kv := range e.Extra {
		fields = append(fields, kv.Value)
	}
	return strings.Join(fields, delimiter)
}
