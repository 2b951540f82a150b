package backend

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// PgPassEntry represents a line in .pgpass file
type PgPassEntry struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// PgPassFile looks passwords up in a libpq password file
type PgPassFile struct {
	path string
}

// NewPgPassFile reads from path, or ~/.pgpass when path is empty
func NewPgPassFile(path string) (*PgPassFile, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".pgpass")
	}
	return &PgPassFile{path: path}, nil
}

// Entries reads and parses the file. A missing file has no entries.
func (p *PgPassFile) Entries() ([]PgPassEntry, error) {
	// Check file permissions on non-Windows systems
	if runtime.GOOS != "windows" {
		fileInfo, err := os.Stat(p.path)
		if err != nil {
			if os.IsNotExist(err) {
				return []PgPassEntry{}, nil
			}
			return nil, err
		}

		mode := fileInfo.Mode()
		if mode.Perm()&0077 != 0 {
			return nil, fmt.Errorf(".pgpass file has insecure permissions %v, must be 0600", mode.Perm())
		}
	}

	file, err := os.Open(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []PgPassEntry{}, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []PgPassEntry
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip comments and empty lines
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entry, err := parsePgPassLine(line)
		if err != nil {
			continue // Skip invalid lines
		}

		entries = append(entries, entry)
	}

	return entries, scanner.Err()
}

// Get returns the password of the first matching line
func (p *PgPassFile) Get(host string, port int, database, user string) (string, error) {
	entries, err := p.Entries()
	if err != nil {
		return "", err
	}

	for _, entry := range entries {
		if matches(entry.Host, host) &&
			matches(entry.Port, strconv.Itoa(port)) &&
			matches(entry.Database, database) &&
			matches(entry.User, user) {
			return entry.Password, nil
		}
	}

	return "", ErrPasswordNotFound
}

// parsePgPassLine parses a single .pgpass line
// Format: hostname:port:database:username:password
// Handles escape sequences: \: and \\
func parsePgPassLine(line string) (PgPassEntry, error) {
	parts := make([]string, 0, 5)
	var current strings.Builder
	escaped := false

	for i := 0; i < len(line); i++ {
		ch := line[i]

		switch {
		case escaped:
			current.WriteByte(ch)
			escaped = false
		case ch == '\\':
			escaped = true
		case ch == ':':
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}
	parts = append(parts, current.String())

	if len(parts) != 5 {
		return PgPassEntry{}, os.ErrInvalid
	}

	if parts[1] != "*" {
		p, err := strconv.Atoi(parts[1])
		if err != nil {
			return PgPassEntry{}, fmt.Errorf("invalid port: %s", parts[1])
		}
		if p < 1 || p > 65535 {
			return PgPassEntry{}, fmt.Errorf("port out of range: %d", p)
		}
	}

	return PgPassEntry{
		Host:     parts[0],
		Port:     parts[1],
		Database: parts[2],
		User:     parts[3],
		Password: parts[4],
	}, nil
}

// matches checks if pattern matches value (* is wildcard)
func matches(pattern, value string) bool {
	return pattern == "*" || pattern == value
}

// EnvPassword supplies PGPASSWORD when PGUSER is unset or names the user
type EnvPassword struct{}

func (EnvPassword) Get(_ string, _ int, _, user string) (string, error) {
	password := os.Getenv("PGPASSWORD")
	if password == "" {
		return "", ErrPasswordNotFound
	}
	if envUser := os.Getenv("PGUSER"); envUser != "" && envUser != user {
		return "", ErrPasswordNotFound
	}
	return password, nil
}

// Chain tries each lookup in order and returns the first password found.
// Lookup errors other than ErrPasswordNotFound stop the search.
type Chain []PasswordLookup

func (c Chain) Get(host string, port int, database, user string) (string, error) {
	for _, l := range c {
		password, err := l.Get(host, port, database, user)
		if err == nil {
			return password, nil
		}
		if !errors.Is(err, ErrPasswordNotFound) {
			return "", err
		}
	}
	return "", ErrPasswordNotFound
}
