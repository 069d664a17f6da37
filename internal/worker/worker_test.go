package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/andon/internal/event"
	"github.com/sweeney/andon/internal/queue"
	"github.com/sweeney/andon/internal/sink"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAppender records appends and fails for devices listed in fail.
type fakeAppender struct {
	mu    sync.Mutex
	items []event.Item
	fail  map[string]bool
}

func (f *fakeAppender) Append(device string, rec event.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[device] {
		return errors.New("disk full")
	}
	f.items = append(f.items, event.Item{Device: device, Record: rec})
	return nil
}

func (f *fakeAppender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

type fakeObserver struct {
	mu        sync.Mutex
	persisted int
	dropped   int
	forwards  map[string]int
}

func (o *fakeObserver) Persisted(event.Item) {
	o.mu.Lock()
	o.persisted++
	o.mu.Unlock()
}

func (o *fakeObserver) Dropped(event.Item, error) {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
}

func (o *fakeObserver) ForwardFailed(name string, _ event.Item, _ error) {
	o.mu.Lock()
	if o.forwards == nil {
		o.forwards = make(map[string]int)
	}
	o.forwards[name]++
	o.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func startWorker(t *testing.T, w *Worker) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	return func() {
		cancelCtx()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop")
		}
	}
}

func TestWorkerPersistsQueuedItems(t *testing.T) {
	q := queue.New()
	app := &fakeAppender{}
	obs := &fakeObserver{}
	stop := startWorker(t, New(q, app, quietLogger(), WithPollInterval(10*time.Millisecond), WithObserver(obs)))
	defer stop()

	for i := 0; i < 5; i++ {
		q.Push(event.Item{Device: "d", Record: event.Record{Pin: i}})
	}
	waitFor(t, func() bool { return app.count() == 5 })

	app.mu.Lock()
	for i, it := range app.items {
		if it.Record.Pin != i {
			t.Errorf("item %d: got pin %d", i, it.Record.Pin)
		}
	}
	app.mu.Unlock()

	obs.mu.Lock()
	if obs.persisted != 5 {
		t.Errorf("observer persisted: got %d, want 5", obs.persisted)
	}
	obs.mu.Unlock()
}

func TestWorkerDropsFailedRecordAndContinues(t *testing.T) {
	q := queue.New()
	app := &fakeAppender{fail: map[string]bool{"bad": true}}
	obs := &fakeObserver{}
	stop := startWorker(t, New(q, app, quietLogger(), WithObserver(obs)))
	defer stop()

	q.Push(event.Item{Device: "bad"})
	q.Push(event.Item{Device: "good"})
	waitFor(t, func() bool { return app.count() == 1 })

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.dropped != 1 {
		t.Errorf("dropped: got %d, want 1", obs.dropped)
	}
	if app.items[0].Device != "good" {
		t.Errorf("expected good device to persist, got %q", app.items[0].Device)
	}
}

func TestWorkerForwardersRunAfterAppend(t *testing.T) {
	q := queue.New()
	app := &fakeAppender{}
	obs := &fakeObserver{}

	var mu sync.Mutex
	var order []string
	record := func(name string, err error) Forwarder {
		return ForwarderFunc(func(ctx context.Context, item event.Item) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return err
		})
	}

	stop := startWorker(t, New(q, app, quietLogger(),
		WithObserver(obs),
		WithForwarder("first", record("first", errors.New("broker down"))),
		WithForwarder("second", record("second", nil)),
	))
	defer stop()

	q.Push(event.Item{Device: "d"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	if order[0] != "first" || order[1] != "second" {
		t.Errorf("forwarder order: %v", order)
	}
	mu.Unlock()
	obs.mu.Lock()
	if obs.forwards["first"] != 1 || obs.forwards["second"] != 0 {
		t.Errorf("forward failures: %v", obs.forwards)
	}
	obs.mu.Unlock()
}

func TestWorkerSkipsForwardersOnDrop(t *testing.T) {
	q := queue.New()
	app := &fakeAppender{fail: map[string]bool{"bad": true}}
	obs := &fakeObserver{}
	called := make(chan struct{}, 1)
	stop := startWorker(t, New(q, app, quietLogger(), WithObserver(obs),
		WithForwarder("f", ForwarderFunc(func(context.Context, event.Item) error {
			called <- struct{}{}
			return nil
		}))))
	defer stop()

	q.Push(event.Item{Device: "bad"})
	waitFor(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.dropped == 1
	})
	select {
	case <-called:
		t.Error("forwarder called for a record that was not persisted")
	default:
	}
}

func TestWorkerStopClosesQueue(t *testing.T) {
	q := queue.New()
	stop := startWorker(t, New(q, &fakeAppender{}, quietLogger()))
	stop()

	if err := q.Push(event.Item{Device: "late"}); !errors.Is(err, queue.ErrClosed) {
		t.Errorf("expected ErrClosed after worker stopped, got %v", err)
	}
}

func TestWorkerConcurrentProducersSameDevice(t *testing.T) {
	dir := t.TempDir()
	s, err := sink.New(dir, "data_")
	if err != nil {
		t.Fatal(err)
	}
	q := queue.New()
	stop := startWorker(t, New(q, s, quietLogger(), WithPollInterval(5*time.Millisecond)))
	defer stop()

	const producers = 50
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Push(event.Item{Device: "shared", Record: event.Record{
				Pin: 23, State: "HIGH", TimeDiffSec: float64(i), Timestamp: "2026-01-01 00:00:00.000",
			}})
		}(i)
	}
	wg.Wait()

	var lines []string
	waitFor(t, func() bool {
		b, err := os.ReadFile(s.Path("shared"))
		if err != nil {
			return false
		}
		lines = strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
		return len(lines) == producers+1
	})

	if lines[0] != sink.Header {
		t.Errorf("header: got %q", lines[0])
	}
	for _, l := range lines[1:] {
		fields := strings.Split(l, ",")
		if len(fields) != 4 || fields[1] != "Green" || fields[2] != "HIGH" {
			t.Errorf("malformed row %q", l)
		}
	}
}

func TestWorkerBlockedForwarderDoesNotDelayFiles(t *testing.T) {
	q := queue.New()
	app := &fakeAppender{}
	obs := &fakeObserver{}
	release := make(chan struct{})
	hang := ForwarderFunc(func(ctx context.Context, _ event.Item) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	w := New(q, app, quietLogger(),
		WithPollInterval(10*time.Millisecond),
		WithForwardTimeout(time.Minute),
		WithObserver(obs),
		WithForwarder("redis", hang))
	stop := startWorker(t, w)
	defer stop()
	defer close(release)

	for i := 0; i < 3; i++ {
		q.Push(event.Item{Device: "d", Record: event.Record{Pin: i}})
	}

	start := time.Now()
	waitFor(t, func() bool { return app.count() == 3 })
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("rows took %v behind a blocked forwarder", elapsed)
	}
	// One record is stuck in the forwarder, the rest wait behind it.
	waitFor(t, func() bool { return w.Forwarding() == 2 })
}

func TestWorkerDrainsForwardersOnStop(t *testing.T) {
	q := queue.New()
	app := &fakeAppender{}
	var mu sync.Mutex
	var forwarded []int
	gate := make(chan struct{})
	slow := ForwarderFunc(func(ctx context.Context, item event.Item) error {
		<-gate
		mu.Lock()
		forwarded = append(forwarded, item.Record.Pin)
		mu.Unlock()
		return nil
	})

	stop := startWorker(t, New(q, app, quietLogger(),
		WithPollInterval(10*time.Millisecond),
		WithForwarder("mqtt", slow)))

	for i := 0; i < 3; i++ {
		q.Push(event.Item{Device: "d", Record: event.Record{Pin: i}})
	}
	waitFor(t, func() bool { return app.count() == 3 })
	close(gate)
	stop()

	mu.Lock()
	defer mu.Unlock()
	if len(forwarded) != 3 {
		t.Fatalf("forwarded: got %v, want all 3", forwarded)
	}
	for i, pin := range forwarded {
		if pin != i {
			t.Errorf("forward order: got %v", forwarded)
			break
		}
	}
}

func TestWorkerStopBoundedByForwardTimeout(t *testing.T) {
	q := queue.New()
	app := &fakeAppender{}
	obs := &fakeObserver{}
	hang := ForwarderFunc(func(ctx context.Context, _ event.Item) error {
		<-ctx.Done()
		return ctx.Err()
	})

	stop := startWorker(t, New(q, app, quietLogger(),
		WithPollInterval(10*time.Millisecond),
		WithForwardTimeout(100*time.Millisecond),
		WithObserver(obs),
		WithForwarder("archive", hang)))

	for i := 0; i < 20; i++ {
		q.Push(event.Item{Device: "d", Record: event.Record{Pin: i}})
	}
	waitFor(t, func() bool { return app.count() == 20 })

	start := time.Now()
	stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stop took %v with a hung forwarder", elapsed)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.forwards["archive"] == 0 {
		t.Error("expected forward failures to be reported")
	}
}
