package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/monitor"
)

// subscriberBuffer is how many events a slow subscriber may lag behind
// before events are dropped for it.
const subscriberBuffer = 64

type streamKey struct{ workspace, agent string }

// Broker fans execution events out to the event streams of one agent.
type Broker struct {
	mu      sync.Mutex
	subs    map[streamKey]map[chan execution.Event]struct{}
	metrics *monitor.Metrics
}

func NewBroker(metrics *monitor.Metrics) *Broker {
	return &Broker{
		subs:    make(map[streamKey]map[chan execution.Event]struct{}),
		metrics: metrics,
	}
}

// Subscribe registers a stream for an agent's events. The returned function
// unregisters it.
func (b *Broker) Subscribe(workspaceID, agentID string) (<-chan execution.Event, func()) {
	k := streamKey{workspaceID, agentID}
	ch := make(chan execution.Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[k] == nil {
		b.subs[k] = make(map[chan execution.Event]struct{})
	}
	b.subs[k][ch] = struct{}{}
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.Subscribers.Inc()
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[k], ch)
			if len(b.subs[k]) == 0 {
				delete(b.subs, k)
			}
			b.mu.Unlock()
			if b.metrics != nil {
				b.metrics.Subscribers.Dec()
			}
		})
	}
}

// Publish delivers ev to every stream of its agent without blocking.
func (b *Broker) Publish(ev execution.Event) {
	if b.metrics != nil {
		b.metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[streamKey{ev.WorkspaceID, ev.AgentID}] {
		select {
		case ch <- ev:
		default:
			log.Warn().
				Str("exec_id", ev.ExecutionID).
				Str("event", string(ev.Kind)).
				Msg("event stream lagging, dropping event")
		}
	}
}

// sseWriter writes Server-Sent Events and flushes after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter returns nil if the ResponseWriter does not support flushing.
func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &sseWriter{w: w, flusher: flusher}
}

// event sends ev as a JSON payload. The payload never contains a raw
// newline, so a single data line is enough.
func (s *sseWriter) event(ev execution.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// comment sends a keepalive line that clients ignore.
func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
