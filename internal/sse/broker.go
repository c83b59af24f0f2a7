// Package sse streams gallery changes to browsers as Server-Sent Events.
package sse

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// Event types emitted by PublishGalleryEvent.
const (
	TypeImageCreated   = "gallery.created"
	TypeImageUpdated   = "gallery.changed"
	TypeImageDeleted   = "gallery.deleted"
	TypeGalleryUpdated = "gallery.updated"
)

const (
	clientBuffer = 64
	historySize  = clientBuffer
)

// Event is one message for connected clients.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ImagePayload is the data of per-image events.
type ImagePayload struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type change struct {
	kind    string
	payload ImagePayload
}

type subscription struct {
	ch    chan []byte
	after uint64
}

// record is an encoded event kept for Last-Event-ID replay.
type record struct {
	id  uint64
	raw []byte
}

// Broker fans events out to SSE clients.
//
// All client and history state belongs to the goroutine started by
// NewBroker; exported methods only send it requests. Every event gets an
// increasing id, and the most recent ones are replayed to clients that
// reconnect with a Last-Event-ID header.
type Broker struct {
	throttle  time.Duration
	heartbeat time.Duration

	join    chan subscription
	leave   chan chan []byte
	events  chan Event
	changes chan change
	count   chan chan int

	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithHeartbeat makes ServeHTTP write a comment line every d so idle
// proxies keep the stream open. Zero disables it.
func WithHeartbeat(d time.Duration) BrokerOption {
	return func(b *Broker) {
		b.heartbeat = d
	}
}

// NewBroker starts a broker. refreshThrottle is the minimum spacing
// between gallery.updated events; non-positive means two seconds.
// Publishing is unbuffered: when Publish returns the event has been
// delivered or dropped for every current client.
func NewBroker(refreshThrottle time.Duration, opts ...BrokerOption) *Broker {
	if refreshThrottle <= 0 {
		refreshThrottle = 2 * time.Second
	}
	b := &Broker{
		throttle: refreshThrottle,
		join:     make(chan subscription),
		leave:    make(chan chan []byte),
		events:   make(chan Event),
		changes:  make(chan change),
		count:    make(chan chan int),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.loop()
	return b
}

// hub is the state owned by the broker loop.
type hub struct {
	clients     map[chan []byte]struct{}
	history     []record
	lastID      uint64
	lastRefresh time.Time
}

func frame(id uint64, ev Event) ([]byte, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(data)+len(ev.Type)+32)
	buf = append(buf, "id: "...)
	buf = strconv.AppendUint(buf, id, 10)
	buf = append(buf, "\nevent: "...)
	buf = append(buf, ev.Type...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf, nil
}

func (h *hub) send(ev Event) {
	raw, err := frame(h.lastID+1, ev)
	if err != nil {
		return
	}
	h.lastID++
	h.history = append(h.history, record{id: h.lastID, raw: raw})
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}
	for ch := range h.clients {
		select {
		case ch <- raw:
		default:
			// Slow client; it misses this event.
		}
	}
}

func (h *hub) add(sub subscription) {
	if sub.after > 0 {
		for _, rec := range h.history {
			if rec.id > sub.after {
				sub.ch <- rec.raw
			}
		}
	}
	h.clients[sub.ch] = struct{}{}
}

func (b *Broker) loop() {
	defer close(b.done)
	h := &hub{clients: make(map[chan []byte]struct{})}

	for {
		select {
		case <-b.quit:
			for ch := range h.clients {
				close(ch)
			}
			return

		case sub := <-b.join:
			h.add(sub)

		case ch := <-b.leave:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}

		case ev := <-b.events:
			h.send(ev)

		case c := <-b.changes:
			var typ string
			switch c.kind {
			case "created":
				typ = TypeImageCreated
			case "updated":
				typ = TypeImageUpdated
			case "deleted":
				typ = TypeImageDeleted
			default:
				continue
			}
			h.send(Event{Type: typ, Data: c.payload})

			if now := time.Now(); now.Sub(h.lastRefresh) >= b.throttle {
				h.lastRefresh = now
				h.send(Event{Type: TypeGalleryUpdated, Data: map[string]string{}})
			}

		case resp := <-b.count:
			resp <- len(h.clients)
		}
	}
}

// Close stops the broker and closes every client channel. It is safe to
// call more than once.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.quit)
	}
	<-b.done
}

// Subscribe registers a client. Events newer than lastEventID that are
// still in the replay history are queued first; zero skips replay. After
// Close the returned channel is already closed.
func (b *Broker) Subscribe(lastEventID uint64) chan []byte {
	ch := make(chan []byte, clientBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.join <- subscription{ch: ch, after: lastEventID}:
	case <-b.done:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.leave <- ch:
	case <-b.done:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.count <- resp:
	case <-b.done:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.done:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// PublishGalleryEvent publishes a per-image change followed by a throttled
// gallery.updated event. kind is "created", "updated" or "deleted"; other
// kinds are ignored.
func (b *Broker) PublishGalleryEvent(kind, name, url string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.changes <- change{kind: kind, payload: ImagePayload{Name: name, URL: url}}:
	case <-b.done:
	}
}

// ServeHTTP streams events to one client (GET /events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastID, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(lastID)
	defer b.Unsubscribe(ch)

	var tick <-chan time.Time
	if b.heartbeat > 0 {
		t := time.NewTicker(b.heartbeat)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, open := <-ch:
			if !open {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
