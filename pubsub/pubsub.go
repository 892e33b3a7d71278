package pubsub

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// notifyTimeout bounds how long a publish waits on a full channel before
// giving up. The delivery side only runs user callbacks, so hitting this
// means a callback has wedged.
const notifyTimeout = 5 * time.Second

// Payload is a single message on the bus. Implementations declare their type
// so listeners can tell payloads apart without reflection.
type Payload interface {
	Type() string
}

// Notifier is the publishing half of the bus.
type Notifier interface {
	// Notify publishes p on the named channel. It returns an error if the
	// bus is closed or the channel buffer stays full past notifyTimeout.
	Notify(chanName string, p Payload) error
	Close() error
}

// Listener is the consuming half of the bus.
type Listener interface {
	// Listen invokes fn for each payload published on the named channel, in
	// publish order, on the calling goroutine. It blocks until Close.
	Listen(chanName string, fn func(p Payload)) error
	Close() error
}

// PubSub is an in-process channel-backed bus implementing both halves. The
// resolver publishes completion payloads onto it from its worker goroutine;
// a single delivery goroutine consumes them, which is what keeps caller
// callbacks off the worker.
type PubSub struct {
	mu     sync.Mutex
	chans  map[string]chan Payload
	closed bool
	buffer int
}

func NewPubSub(bufferSize int) *PubSub {
	return &PubSub{
		chans:  make(map[string]chan Payload),
		buffer: bufferSize,
	}
}

// chanFor lazily creates the named channel, or returns nil once the bus is
// closed so callers fail instead of touching a closed channel.
func (ps *PubSub) chanFor(chanName string) chan Payload {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ch, ok := ps.chans[chanName]
	if !ok {
		ch = make(chan Payload, ps.buffer)
		ps.chans[chanName] = ch
	}
	return ch
}

func (ps *PubSub) Notify(chanName string, p Payload) error {
	ch := ps.chanFor(chanName)
	if ch == nil {
		return fmt.Errorf("notify %s with %s: bus closed", chanName, p.Type())
	}
	select {
	case ch <- p:
		return nil
	case <-time.After(notifyTimeout):
		return fmt.Errorf("notify %s with %s: channel full", chanName, p.Type())
	}
}

func (ps *PubSub) Listen(chanName string, fn func(p Payload)) error {
	ch := ps.chanFor(chanName)
	if ch == nil {
		return fmt.Errorf("listen on %s: bus closed", chanName)
	}
	for payload := range ch {
		fn(payload)
	}
	return nil
}

// Close ends every Listen loop. Idempotent.
func (ps *PubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	for _, ch := range ps.chans {
		close(ch)
	}
	return nil
}

// PromNotifier wraps a Notifier and counts published payloads by type.
type PromNotifier struct {
	Notifier
	published *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	p.published.WithLabelValues(payload.Type()).Inc()
	return p.Notifier.Notify(chanName, payload)
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.published)
	return p.Notifier.Close()
}

// NewPromNotifier wraps n with a bgsync_<subsystem>_num_published counter.
func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bgsync",
			Subsystem: subsystem,
			Name:      "num_published",
			Help:      "Number of payloads published on the bus",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.published)
	return p
}
