package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/andon/internal/event"
	"github.com/sweeney/andon/internal/queue"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (o *recordingObserver) Handled(outcome Outcome, _ event.Item) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) last() Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.outcomes) == 0 {
		return ""
	}
	return o.outcomes[len(o.outcomes)-1]
}

type testServer struct {
	listener *Listener
	queue    *queue.Queue
	observer *recordingObserver
	done     chan error
	cancel   context.CancelFunc
}

func startServer(t *testing.T, idle time.Duration) *testServer {
	t.Helper()
	q := queue.New()
	obs := &recordingObserver{}
	h := &Handler{Queue: q, Logger: quietLogger(), Observer: obs, IdleTimeout: idle}
	l := NewListener("127.0.0.1:0", h, quietLogger())
	l.AcceptPoll = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{listener: l, queue: q, observer: obs, done: make(chan error, 1), cancel: cancel}
	go func() { ts.done <- l.Start(ctx) }()

	select {
	case <-l.Ready():
	case err := <-ts.done:
		t.Fatalf("listener failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener not ready")
	}
	t.Cleanup(func() {
		l.Stop()
		cancel()
		select {
		case <-ts.done:
		case <-time.After(10 * time.Second):
			t.Error("listener did not stop")
		}
	})
	return ts
}

func (ts *testServer) addr() string {
	return ts.listener.Addr().String()
}

// exchange sends each chunk (pausing between them), optionally half-closes,
// and returns everything the server wrote before closing.
func exchange(t *testing.T, addr string, closeWrite bool, pause time.Duration, chunks ...string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i, c := range chunks {
		if i > 0 {
			time.Sleep(pause)
		}
		if _, err := conn.Write([]byte(c)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if closeWrite {
		conn.(*net.TCPConn).CloseWrite()
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return string(resp)
}

func TestResponseLengths(t *testing.T) {
	tests := []struct {
		resp []byte
		want int
	}{
		{ResponseOK, 2},
		{ResponseInvalidJSON, 26},
		{ResponseInternalError, 28},
		{ResponseNotProcessed, 29},
	}
	for _, tt := range tests {
		if len(tt.resp) != tt.want {
			t.Errorf("%q: got %d bytes, want %d", tt.resp, len(tt.resp), tt.want)
		}
	}
}

func TestValidMessage(t *testing.T) {
	ts := startServer(t, time.Second)

	resp := exchange(t, ts.addr(), false, 0, `{"device_name":"door1","pin":23,"state":"HIGH","time_diff_sec":1.5}`)
	if resp != "OK" {
		t.Fatalf("response: got %q, want OK", resp)
	}

	item, ok := ts.queue.TryPop()
	if !ok {
		t.Fatal("expected one queued item")
	}
	if item.Device != "door1" || item.Record.Pin != 23 || item.Record.State != "HIGH" || item.Record.TimeDiffSec != 1.5 {
		t.Errorf("unexpected item %+v", item)
	}
	if item.Record.Timestamp == "" {
		t.Error("expected server timestamp")
	}
	if ts.observer.last() != OutcomeOK {
		t.Errorf("outcome: got %q", ts.observer.last())
	}
}

func TestMessageSplitAcrossWrites(t *testing.T) {
	ts := startServer(t, time.Second)

	resp := exchange(t, ts.addr(), false, 30*time.Millisecond, `{"device_name":"do`, `or2","pin":`, `24}`)
	if resp != "OK" {
		t.Fatalf("response: got %q, want OK", resp)
	}
	item, ok := ts.queue.TryPop()
	if !ok || item.Device != "door2" || item.Record.Pin != 24 {
		t.Errorf("unexpected item %+v (ok=%v)", item, ok)
	}
}

func TestInvalidJSON(t *testing.T) {
	ts := startServer(t, time.Second)

	resp := exchange(t, ts.addr(), true, 0, "not json at all")
	if resp != string(ResponseInvalidJSON) {
		t.Fatalf("response: got %q", resp)
	}
	if len(resp) != 26 {
		t.Errorf("expected 26 bytes, got %d", len(resp))
	}
	if ts.queue.Len() != 0 {
		t.Errorf("expected nothing queued, got %d", ts.queue.Len())
	}
	if ts.observer.last() != OutcomeInvalidJSON {
		t.Errorf("outcome: got %q", ts.observer.last())
	}
}

func TestEmptyBody(t *testing.T) {
	ts := startServer(t, time.Second)

	resp := exchange(t, ts.addr(), true, 0)
	if resp != string(ResponseInvalidJSON) {
		t.Fatalf("response: got %q", resp)
	}
	if ts.queue.Len() != 0 {
		t.Errorf("expected nothing queued, got %d", ts.queue.Len())
	}
}

func TestIdleTimeoutProcessesPartial(t *testing.T) {
	ts := startServer(t, 100*time.Millisecond)

	start := time.Now()
	resp := exchange(t, ts.addr(), false, 0, `{"device_name":"slow"`)
	if resp != string(ResponseInvalidJSON) {
		t.Fatalf("response: got %q", resp)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("server answered after %v, before the idle timeout", elapsed)
	}
}

func TestFieldTypeError(t *testing.T) {
	ts := startServer(t, time.Second)

	resp := exchange(t, ts.addr(), false, 0, `{"device_name":"door1","pin":"twenty-three"}`)
	if resp != string(ResponseInternalError) {
		t.Fatalf("response: got %q", resp)
	}
	if ts.queue.Len() != 0 {
		t.Errorf("expected nothing queued, got %d", ts.queue.Len())
	}
	if ts.observer.last() != OutcomeInternal {
		t.Errorf("outcome: got %q", ts.observer.last())
	}
}

func TestInvalidUTF8Rejected(t *testing.T) {
	ts := startServer(t, time.Second)

	resp := exchange(t, ts.addr(), true, 0, "{\"device_name\":\"door1\",\"state\":\"\xff\xfe\"}")
	if resp != string(ResponseInvalidJSON) {
		t.Fatalf("response: got %q", resp)
	}
	if ts.queue.Len() != 0 {
		t.Errorf("expected nothing queued, got %d", ts.queue.Len())
	}
}

func TestPinOutOfRange(t *testing.T) {
	ts := startServer(t, time.Second)

	resp := exchange(t, ts.addr(), false, 0, `{"device_name":"door1","pin":1e20}`)
	if resp != string(ResponseInternalError) {
		t.Fatalf("response: got %q", resp)
	}
	if ts.queue.Len() != 0 {
		t.Errorf("expected nothing queued, got %d", ts.queue.Len())
	}
}

func TestQueueClosedRefused(t *testing.T) {
	ts := startServer(t, time.Second)
	ts.queue.Close()

	resp := exchange(t, ts.addr(), false, 0, `{"device_name":"door1"}`)
	if resp != string(ResponseNotProcessed) {
		t.Fatalf("response: got %q", resp)
	}
	if ts.observer.last() != OutcomeRefused {
		t.Errorf("outcome: got %q", ts.observer.last())
	}
}

func TestConcurrentConnections(t *testing.T) {
	ts := startServer(t, time.Second)

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", ts.addr())
			if err != nil {
				errs <- err.Error()
				return
			}
			defer conn.Close()
			conn.Write([]byte(`{"device_name":"shared","pin":25,"state":"LOW"}`))
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			b, _ := io.ReadAll(conn)
			if string(b) != "OK" {
				errs <- string(b)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Errorf("connection failed: %s", e)
	}
	if ts.queue.Len() != n {
		t.Errorf("expected %d queued, got %d", n, ts.queue.Len())
	}
}

func TestStopReleasesSocket(t *testing.T) {
	ts := startServer(t, time.Second)
	addr := ts.addr()

	ts.listener.Stop()
	ts.listener.Stop() // idempotent

	select {
	case err := <-ts.done:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
		ts.done <- nil // let cleanup observe completion
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	if conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		conn.Close()
		t.Error("expected connection refused after stop")
	}

	// The port can be bound again once released.
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("rebind %s: %v", addr, err)
	}
	ln.Close()
}

func TestContextCancelStops(t *testing.T) {
	ts := startServer(t, time.Second)
	ts.cancel()

	select {
	case <-ts.done:
		ts.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancel")
	}
}

func TestBindFailure(t *testing.T) {
	ts := startServer(t, time.Second)

	l := NewListener(ts.addr(), &Handler{Queue: queue.New()}, quietLogger())
	err := l.Start(context.Background())
	if err == nil {
		t.Fatal("expected bind error for address in use")
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Errorf("expected wrapped *net.OpError, got %T: %v", err, err)
	}
}

func TestStopWaitsForInFlight(t *testing.T) {
	ts := startServer(t, time.Second)

	conn, err := net.Dial("tcp", ts.addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte(`{"device_name":"late"`))

	// Wait until the handler is running, then stop while it is mid-message.
	deadline := time.Now().Add(2 * time.Second)
	for ts.listener.Active() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ts.listener.Stop()

	conn.Write([]byte(`,"pin":12}`))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	b, _ := io.ReadAll(conn)
	if string(b) != "OK" {
		t.Errorf("in-flight connection: got %q, want OK", b)
	}

	select {
	case <-ts.done:
		ts.done <- nil
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return")
	}
	if ts.listener.Active() != 0 {
		t.Errorf("expected no active connections, got %d", ts.listener.Active())
	}
}
