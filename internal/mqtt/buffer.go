package mqtt

import "log/slog"

// pending is one message waiting for the broker to come back.
type pending struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// backlog holds messages published while disconnected. When full, the
// oldest message is overwritten. Not safe for concurrent use.
type backlog struct {
	msgs    []pending
	size    int
	next    int // slot for the next write
	n       int
	dropped int // overwritten since the last drain
	logger  *slog.Logger
}

func newBacklog(size int, logger *slog.Logger) *backlog {
	if logger == nil {
		logger = slog.Default()
	}
	return &backlog{msgs: make([]pending, size), size: size, logger: logger}
}

func (b *backlog) add(m pending) {
	b.msgs[b.next] = m
	b.next = (b.next + 1) % b.size
	if b.n < b.size {
		b.n++
		return
	}
	if b.dropped == 0 {
		b.logger.Warn("mqtt backlog full, overwriting oldest", "size", b.size)
	}
	b.dropped++
}

// drain returns the held messages oldest first and empties the backlog.
func (b *backlog) drain() []pending {
	if b.n == 0 {
		return nil
	}
	out := make([]pending, 0, b.n)
	first := (b.next - b.n + b.size) % b.size
	for i := 0; i < b.n; i++ {
		out = append(out, b.msgs[(first+i)%b.size])
	}
	if b.dropped > 0 {
		b.logger.Warn("mqtt backlog replay incomplete", "lost", b.dropped)
	}
	b.next, b.n, b.dropped = 0, 0, 0
	return out
}

func (b *backlog) len() int {
	return b.n
}
