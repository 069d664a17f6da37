package server

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sweeney/andon/internal/event"
)

// Response payloads. Their exact bytes and lengths are part of the wire
// contract with deployed monitors.
var (
	ResponseOK            = []byte("OK")
	ResponseInvalidJSON   = []byte("ERROR: Invalid JSON format")
	ResponseInternalError = []byte("ERROR: Internal server error")
	ResponseNotProcessed  = []byte("ERROR: Failed to process data")
)

// DefaultIdleTimeout is how long a connection may go without sending bytes
// before framing gives up and processes what has arrived.
const DefaultIdleTimeout = 5 * time.Second

const (
	readChunk    = 4096
	writeTimeout = 5 * time.Second
)

// Outcome classifies how a connection was answered.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeInvalidJSON Outcome = "invalid_json"
	OutcomeInternal    Outcome = "internal_error"
	OutcomeRefused     Outcome = "refused"
)

// Submitter accepts decoded items for persistence.
type Submitter interface {
	Push(item event.Item) error
}

// Observer is told the outcome of every handled connection. item is only
// meaningful for OutcomeOK and OutcomeRefused.
type Observer interface {
	Handled(outcome Outcome, item event.Item)
}

// Handler reads at most one message from a connection, submits it and
// answers with a status token.
type Handler struct {
	Queue       Submitter
	Logger      *slog.Logger
	Observer    Observer
	IdleTimeout time.Duration
	// Now supplies the server timestamp for records without one.
	Now func() time.Time
}

// Handle serves conn until one response has been written, then closes it.
func (h *Handler) Handle(conn net.Conn) {
	defer conn.Close()

	logger := h.logger().With("conn", uuid.NewString(), "peer", conn.RemoteAddr().String())
	logger.Info("new connection")
	defer logger.Info("connection closed")

	data := h.readMessage(conn, logger)

	outcome, item, resp := h.process(data, logger)
	if h.Observer != nil {
		h.Observer.Handled(outcome, item)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(resp); err != nil {
		logger.Warn("failed to write response", "error", err)
	}
}

// readMessage accumulates bytes until they form one complete JSON document,
// the peer stops sending, or a read sits idle past IdleTimeout. A valid
// document that is a prefix of a longer intended payload is accepted as-is.
func (h *Handler) readMessage(conn net.Conn, logger *slog.Logger) []byte {
	idle := h.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	for {
		conn.SetReadDeadline(time.Now().Add(idle))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if event.Complete(buf.Bytes()) {
				return buf.Bytes()
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, os.ErrDeadlineExceeded):
				logger.Debug("read idle timeout", "buffered", buf.Len())
			default:
				logger.Warn("read failed", "error", err, "buffered", buf.Len())
			}
			return buf.Bytes()
		}
	}
}

func (h *Handler) process(data []byte, logger *slog.Logger) (Outcome, event.Item, []byte) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	item, err := event.Decode(data, now())
	switch {
	case errors.Is(err, event.ErrInvalidJSON):
		logger.Error("error parsing JSON", "bytes", len(data))
		return OutcomeInvalidJSON, event.Item{}, ResponseInvalidJSON
	case err != nil:
		logger.Error("error processing data", "error", err)
		return OutcomeInternal, event.Item{}, ResponseInternalError
	}

	logger = logger.With("device", item.Device)
	logger.Info("received data", "pin", item.Record.Pin, "state", item.Record.State)

	if err := h.Queue.Push(item); err != nil {
		logger.Error("failed to queue data", "error", err)
		return OutcomeRefused, item, ResponseNotProcessed
	}
	logger.Debug("data queued")
	return OutcomeOK, item, ResponseOK
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
