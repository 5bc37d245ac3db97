// Package stats implements the Statistics Sink (spec.md §2.6, §4.9): a
// non-blocking event sink the Tracker Facade posts announce/scrape events
// to, and a Collector that consumes them on its own goroutine, keeping
// rolling counters and exporting them to Prometheus. Grounded on the
// teacher's stats.Stats, which does the same job with an event channel
// and a single consumer goroutine.
package stats

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/torrust/tracker-core/pkg/stop"
)

// Kind distinguishes the two requests the tracker core answers.
type Kind uint8

const (
	Announce Kind = iota
	Scrape
)

func (k Kind) String() string {
	switch k {
	case Announce:
		return "announce"
	case Scrape:
		return "scrape"
	default:
		return "unknown"
	}
}

// Event is one announce or scrape having been handled, tagged with the
// transport that carried it (e.g. "udp", "http") — a string and not an
// enum, since the tracker core doesn't know which transports a host
// exposes.
type Event struct {
	Transport string
	Kind      Kind
}

// Sink is where the Tracker Facade posts events. Record must never block
// the caller on the consumer keeping up: the queue it appends to is
// unbounded, so the only way a send can fail is the sink having already
// been stopped, which Record reports to the caller rather than swallowing
// (spec.md §4.9).
type Sink interface {
	Record(Event) error
}

// ErrStopped is returned by Record once the Collector's Stop has been
// called: the consumer goroutine is gone, so nothing would ever drain a
// further enqueued event.
var ErrStopped = errors.New("stats: collector is stopped")

// PromRequestsTotal is a package-level metric, registered once at init the
// way the teacher's storage package registers its gauges: a Collector may
// be constructed and torn down many times (every test does), but the
// Prometheus registry is process-global and can only hold one descriptor
// per metric name.
var PromRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tracker_core_requests_total",
	Help: "The number of announce/scrape requests handled, by transport and kind",
}, []string{"transport", "kind"})

func init() {
	prometheus.MustRegister(PromRequestsTotal)
}

// Collector is the Sink implementation: an unbounded queue, guarded by a
// mutex rather than a fixed-capacity channel, drained by a single consumer
// goroutine that keeps rolling per-transport/per-kind counters and
// forwards them to Prometheus.
type Collector struct {
	queueMu sync.Mutex
	queue   []Event
	closed  bool
	wake    chan struct{}

	countsMu sync.RWMutex
	counts   map[string]map[Kind]uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ Sink = &Collector{}
var _ stop.Stopper = &Collector{}

// NewCollector starts a Collector and its consumer goroutine. Callers must
// call Stop when done with it.
func NewCollector() *Collector {
	c := &Collector{
		wake:   make(chan struct{}, 1),
		counts: make(map[string]map[Kind]uint64),
		stopCh: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.run()

	return c
}

// Record implements Sink. It never blocks on the consumer: the event is
// appended to an unbounded in-memory queue and a wakeup is signaled, both
// O(1) regardless of how far behind the consumer is. The only send
// failure is ErrStopped, returned once Stop has been called.
func (c *Collector) Record(e Event) error {
	c.queueMu.Lock()
	if c.closed {
		c.queueMu.Unlock()
		return ErrStopped
	}
	c.queue = append(c.queue, e)
	c.queueMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Collector) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.wake:
			c.drain()
		case <-c.stopCh:
			c.drain()
			return
		}
	}
}

// drain hands off the whole queue under the lock, then processes it
// without holding the lock, so Record is never blocked behind a batch of
// handle calls.
func (c *Collector) drain() {
	for {
		c.queueMu.Lock()
		batch := c.queue
		c.queue = nil
		c.queueMu.Unlock()

		if len(batch) == 0 {
			return
		}

		for _, e := range batch {
			c.handle(e)
		}
	}
}

func (c *Collector) handle(e Event) {
	c.countsMu.Lock()
	if c.counts[e.Transport] == nil {
		c.counts[e.Transport] = make(map[Kind]uint64)
	}
	c.counts[e.Transport][e.Kind]++
	c.countsMu.Unlock()

	PromRequestsTotal.WithLabelValues(e.Transport, e.Kind.String()).Inc()
}

// Counts returns a snapshot of events handled, keyed by transport then
// kind.
func (c *Collector) Counts() map[string]map[Kind]uint64 {
	c.countsMu.RLock()
	defer c.countsMu.RUnlock()

	snapshot := make(map[string]map[Kind]uint64, len(c.counts))
	for transport, byKind := range c.counts {
		copyByKind := make(map[Kind]uint64, len(byKind))
		for k, v := range byKind {
			copyByKind[k] = v
		}
		snapshot[transport] = copyByKind
	}
	return snapshot
}

// Stop implements stop.Stopper. Once called, further Record calls return
// ErrStopped instead of queueing, so the consumer goroutine it waits on
// here is guaranteed to see no new work after it starts draining.
func (c *Collector) Stop() <-chan error {
	toReturn := make(chan error)
	go func() {
		c.queueMu.Lock()
		c.closed = true
		c.queueMu.Unlock()

		close(c.stopCh)
		c.wg.Wait()

		close(toReturn)
	}()
	return toReturn
}
