// Package backend provides the openers that turn a connection's properties
// into a live resource.
package backend

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rebeliceyang/vizconn/internal/properties"
)

// DefaultDialTimeout bounds a single TCP dial
const DefaultDialTimeout = 2 * time.Second

// TCPOpener opens a plain TCP socket to Host:Port
type TCPOpener struct {
	timeout time.Duration
}

// NewTCPOpener creates a TCP opener. A non-positive timeout uses
// DefaultDialTimeout.
func NewTCPOpener(timeout time.Duration) *TCPOpener {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &TCPOpener{timeout: timeout}
}

// Open dials the connection's host and port
func (o *TCPOpener) Open(props map[string]string) (net.Conn, error) {
	address, err := address(props)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	dialer := &net.Dialer{
		Timeout: o.timeout,
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return conn, nil
}

// Close closes the socket
func (o *TCPOpener) Close(conn net.Conn) error {
	return conn.Close()
}

func address(props map[string]string) (string, error) {
	host := props[properties.Host]
	port, err := strconv.Atoi(props[properties.Port])
	if err != nil {
		return "", fmt.Errorf("invalid port %q: %w", props[properties.Port], err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
