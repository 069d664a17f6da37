package gpio

import (
	"errors"
	"sync"
)

// FakeReader is a test double that returns scripted pin levels.
type FakeReader struct {
	mu sync.Mutex

	// Samples contains scripted levels. Each call to Read() consumes the
	// next sample; once exhausted the last one repeats.
	Samples []map[int]bool

	index int

	// Closed tracks if Close was called
	Closed bool

	// ReadError, if set, will be returned by Read()
	ReadError error
}

// NewFakeReader creates a FakeReader with the given samples.
func NewFakeReader(samples ...map[int]bool) *FakeReader {
	return &FakeReader{Samples: samples}
}

// Read returns a copy of the next scripted sample.
func (f *FakeReader) Read() (map[int]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReadError != nil {
		return nil, f.ReadError
	}
	if len(f.Samples) == 0 {
		return nil, errors.New("no samples configured")
	}

	sample := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}

	out := make(map[int]bool, len(sample))
	for pin, level := range sample {
		out[pin] = level
	}
	return out, nil
}

// Close marks the reader as closed.
func (f *FakeReader) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// Reset resets the reader to the beginning of samples.
func (f *FakeReader) Reset() {
	f.mu.Lock()
	f.index = 0
	f.Closed = false
	f.mu.Unlock()
}
