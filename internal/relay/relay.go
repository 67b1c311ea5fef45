// Package relay fans orchestrator events out to realtime subscribers.
//
// Each session has one room keyed by its id. A client joins the rooms it
// cares about and additionally receives every global channel. Delivery is
// best-effort: Publish never blocks, events published before a client joins
// are not replayed, and a client whose buffer is full misses events rather
// than stalling other clients.
//
// # Channels
//
// Per-session (room) channels carry every process event under its type name
// (processStarted, message, output, statusUpdate, processExit, error).
// message events are also re-emitted on "message:<role>". The duplicate is
// part of the contract; consumers listening on both de-duplicate by event id.
//
// Global channels:
//   - session:started: every processStarted
//   - session:status: every statusUpdate
//   - session:exit: every processExit
//   - sessions:reordered: bulk reorder results
//   - workitems:changed: work-item mutations
package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/iammorganparry/clive/apps/conductor/internal/metrics"
	"github.com/iammorganparry/clive/apps/conductor/internal/models"
)

// Global channel names.
const (
	ChannelSessionStarted = "session:started"
	ChannelSessionStatus  = "session:status"
	ChannelSessionExit    = "session:exit"
	ChannelReordered      = "sessions:reordered"
	ChannelWorkItems      = "workitems:changed"
)

// Envelope is one delivery. Room is empty for global channels.
type Envelope struct {
	Room    string `json:"room,omitempty"`
	Channel string `json:"channel"`
	Event   any    `json:"event"`
}

// Relay decouples publishing from delivery with a bounded queue drained by a
// single dispatcher goroutine.
type Relay struct {
	logger       *slog.Logger
	metrics      *metrics.Metrics
	clientBuffer int

	queue chan Envelope

	mu      sync.RWMutex
	clients map[string]*Client
}

func New(queueSize, clientBuffer int, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if clientBuffer <= 0 {
		clientBuffer = 256
	}
	return &Relay{
		logger:       logger,
		metrics:      m,
		clientBuffer: clientBuffer,
		queue:        make(chan Envelope, queueSize),
		clients:      make(map[string]*Client),
	}
}

// Run dispatches queued envelopes until ctx is done, then disconnects every
// client.
func (r *Relay) Run(ctx context.Context) error {
	defer r.disconnectAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-r.queue:
			r.dispatch(env)
		}
	}
}

// PublishProcessEvent forwards a process event to its session room and to
// the global channels its type requires.
func (r *Relay) PublishProcessEvent(ev models.ProcessEvent) {
	r.enqueue(Envelope{Room: ev.SessionID, Channel: string(ev.Type), Event: ev})

	switch ev.Type {
	case models.EventMessage:
		r.enqueue(Envelope{Room: ev.SessionID, Channel: "message:" + string(ev.Role), Event: ev})
	case models.EventProcessStarted:
		r.enqueue(Envelope{Channel: ChannelSessionStarted, Event: ev})
	case models.EventStatusUpdate:
		r.enqueue(Envelope{Channel: ChannelSessionStatus, Event: ev})
	case models.EventProcessExit:
		r.enqueue(Envelope{Channel: ChannelSessionExit, Event: ev})
	}
}

// PublishGlobal broadcasts payload to every client on channel.
func (r *Relay) PublishGlobal(channel string, payload any) {
	r.enqueue(Envelope{Channel: channel, Event: payload})
}

func (r *Relay) enqueue(env Envelope) {
	select {
	case r.queue <- env:
	default:
		r.metrics.RelayDropped("queue_full")
		r.logger.Warn("relay queue full, dropping event", "room", env.Room, "channel", env.Channel)
	}
}

func (r *Relay) dispatch(env Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.clients {
		if env.Room != "" && !c.InRoom(env.Room) {
			continue
		}
		select {
		case c.send <- env:
		default:
			r.metrics.RelayDropped("client_slow")
		}
	}
}

// Connect registers a new client with no rooms joined.
func (r *Relay) Connect() *Client {
	c := &Client{
		ID:    uuid.New().String(),
		send:  make(chan Envelope, r.clientBuffer),
		rooms: make(map[string]struct{}),
	}
	r.mu.Lock()
	r.clients[c.ID] = c
	r.mu.Unlock()
	r.metrics.RelayClientsDelta(1)
	return c
}

// Disconnect removes the client and closes its channel.
func (r *Relay) Disconnect(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.ID]; !ok {
		return
	}
	delete(r.clients, c.ID)
	close(c.send)
	r.metrics.RelayClientsDelta(-1)
}

func (r *Relay) disconnectAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		delete(r.clients, id)
		close(c.send)
		r.metrics.RelayClientsDelta(-1)
	}
}

// ClientCount returns the number of connected clients.
func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Client is one realtime subscriber.
type Client struct {
	ID   string
	send chan Envelope

	mu    sync.RWMutex
	rooms map[string]struct{}
}

// C returns the delivery channel. It is closed on disconnect.
func (c *Client) C() <-chan Envelope { return c.send }

// Join subscribes the client to a session room.
func (c *Client) Join(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

// Leave unsubscribes the client from a session room.
func (c *Client) Leave(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *Client) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}
