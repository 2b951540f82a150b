package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rebeliceyang/vizconn/internal/connection"
	"github.com/rebeliceyang/vizconn/internal/log"
	"github.com/rebeliceyang/vizconn/internal/properties"
)

// Extension properties read by PostgresOpener
const (
	User    = "User"
	SSLMode = "SSLMode"
)

var sslModes = map[string]bool{
	"":            true,
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// PostgresDecoder reads "host,port,/database,user,sslmode" entries
var PostgresDecoder = connection.ExtensionDecoder(User, SSLMode)

// PostgresValidators rejects unknown SSL modes
func PostgresValidators() map[string]properties.Validator {
	return map[string]properties.Validator{
		SSLMode: func(v string) bool { return sslModes[v] },
	}
}

// PasswordLookup finds the password for a database login
type PasswordLookup interface {
	Get(host string, port int, database, user string) (string, error)
}

// PostgresOpener opens a pgx pool against Host:Port and pings it
type PostgresOpener struct {
	timeout   time.Duration
	passwords PasswordLookup
}

// NewPostgresOpener creates a PostgreSQL opener. passwords may be nil.
func NewPostgresOpener(timeout time.Duration, passwords PasswordLookup) *PostgresOpener {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &PostgresOpener{timeout: timeout, passwords: passwords}
}

// Open creates the pool and verifies it with a ping
func (o *PostgresOpener) Open(props map[string]string) (*pgxpool.Pool, error) {
	connString, err := o.connectionString(props)
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}

	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.ConnectTimeout = o.timeout

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// Close closes the pool
func (o *PostgresOpener) Close(pool *pgxpool.Pool) error {
	pool.Close()
	return nil
}

func (o *PostgresOpener) connectionString(props map[string]string) (string, error) {
	host := props[properties.Host]
	port, err := strconv.Atoi(props[properties.Port])
	if err != nil {
		return "", fmt.Errorf("invalid port %q: %w", props[properties.Port], err)
	}
	database := strings.TrimPrefix(props[properties.Path], "/")
	user := props[User]

	password := ""
	if o.passwords != nil && user != "" {
		password, err = o.passwords.Get(host, port, database, user)
		switch {
		case errors.Is(err, ErrPasswordNotFound):
			password = ""
		case err != nil:
			return "", err
		}
	}

	return buildConnectionString(host, port, database, user, password, props[SSLMode]), nil
}

// buildConnectionString creates a PostgreSQL connection string
func buildConnectionString(host string, port int, database, user, password, sslMode string) string {
	if sslMode == "" {
		sslMode = "prefer"
	}

	connStr := fmt.Sprintf("host=%s port=%d sslmode=%s", quoteValue(host), port, quoteValue(sslMode))
	if user != "" {
		connStr += " user=" + quoteValue(user)
	}
	if database != "" {
		connStr += " database=" + quoteValue(database)
	}
	if password != "" {
		connStr += " password=" + quoteValue(password)
	}

	log.Debug("built postgres connection string", "host", host, "port", port, "database", database, "user", user)
	return connStr
}

// quoteValue single-quotes a keyword/value setting unless it is a plain
// non-empty word
func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n\r\v\f'\\=") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
