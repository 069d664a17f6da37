// Package client sends andon events to the ingestion server, one connection
// per event.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sweeney/andon/internal/event"
)

// DefaultTimeout bounds the dial and the whole exchange.
const DefaultTimeout = 5 * time.Second

// maxResponse is the most the server ever answers with.
const maxResponse = 1024

// Sender delivers messages to Addr.
type Sender struct {
	Addr    string
	Timeout time.Duration
	Dialer  net.Dialer
}

// New returns a Sender for addr with DefaultTimeout.
func New(addr string) *Sender {
	return &Sender{Addr: addr, Timeout: DefaultTimeout}
}

func (s *Sender) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

func (s *Sender) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	conn, err := s.Dialer.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", s.Addr, err)
	}
	return conn, nil
}

// Send writes msg as one JSON document and returns the server's response
// text. A response other than "OK" is not an error; callers decide.
func (s *Sender) Send(ctx context.Context, msg event.Message) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	deadline := time.Now().Add(s.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(body); err != nil {
		return "", fmt.Errorf("send to %s: %w", s.Addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}

	resp, err := io.ReadAll(io.LimitReader(conn, maxResponse))
	if err != nil && len(resp) == 0 {
		return "", fmt.Errorf("read response from %s: %w", s.Addr, err)
	}
	return string(resp), nil
}

// Probe checks the server accepts connections.
func (s *Sender) Probe(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}
