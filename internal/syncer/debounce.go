package syncer

import (
	"sync"
	"time"
)

// DefaultDebounce is the quiet period before a changed path is synced.
const DefaultDebounce = time.Second

// Debouncer coalesces bursts of events per path. A path is emitted on C
// once no event for it arrived for the window. Editors that save through a
// temp file and a rename produce several events; they become one sync.
type Debouncer struct {
	window time.Duration
	out    chan string
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]*debounceEntry
	gen     uint64
	closed  bool
}

type debounceEntry struct {
	timer *time.Timer
	gen   uint64
}

// NewDebouncer returns a Debouncer. capacity bounds the output channel;
// when it is full, settled paths wait for the reader.
func NewDebouncer(window time.Duration, capacity int) *Debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}

	if capacity <= 0 {
		capacity = 64
	}

	return &Debouncer{
		window:  window,
		out:     make(chan string, capacity),
		done:    make(chan struct{}),
		pending: make(map[string]*debounceEntry),
	}
}

// C returns the channel of settled paths.
func (d *Debouncer) C() <-chan string {
	return d.out
}

// Add records an event for path and restarts its window.
func (d *Debouncer) Add(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if entry, ok := d.pending[path]; ok {
		entry.timer.Stop()
	}

	d.gen++
	gen := d.gen

	d.pending[path] = &debounceEntry{
		gen:   gen,
		timer: time.AfterFunc(d.window, func() { d.fire(path, gen) }),
	}
}

func (d *Debouncer) fire(path string, gen uint64) {
	d.mu.Lock()

	entry, ok := d.pending[path]
	if !ok || entry.gen != gen || d.closed {
		d.mu.Unlock()

		return
	}

	delete(d.pending, path)
	d.mu.Unlock()

	select {
	case d.out <- path:
	case <-d.done:
	}
}

// Pending returns the number of paths waiting for their window to pass.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pending)
}

// Close stops all timers. Pending paths are dropped.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	d.closed = true

	for _, entry := range d.pending {
		entry.timer.Stop()
	}

	clear(d.pending)
	close(d.done)
}
