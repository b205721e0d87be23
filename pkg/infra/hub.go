package infra

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Scope selects which live connections receive a commit event
type Scope string

const (
	// ScopeGlobal sends every event to every connection
	ScopeGlobal Scope = "global"
	// ScopeChannel sends events to connections subscribed to the event's channel
	ScopeChannel Scope = "channel"
	// ScopeIdentity sends events to the connections of the listening identity
	ScopeIdentity Scope = "identity"
)

// Event types
const (
	EventTransaction = "transaction"
	EventListener    = "listener"
)

// Event is pushed to live connections as JSON
type Event struct {
	Type         string                `json:"type"`
	Channel      string                `json:"channel"`
	Username     string                `json:"username,omitempty"`
	Organization string                `json:"orgName,omitempty"`
	BlockNumber  uint64                `json:"blockNumber"`
	Transaction  *CommittedTransaction `json:"transaction,omitempty"`
	State        string                `json:"state,omitempty"`
	Message      string                `json:"message,omitempty"`
}

// Conn is a live client connection
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// Subscription describes who a live connection belongs to
type Subscription struct {
	ChannelName  string
	Username     string
	Organization string
}

type subscriber struct {
	conn  Conn
	sub   Subscription
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// Hub fans commit events out to live connections. Each connection has its
// own queue and writer; a connection whose queue is full is dropped.
type Hub struct {
	scope      Scope
	bufferSize int
	metrics    *Metrics
	logger     *log.Logger

	mu   sync.RWMutex
	subs map[Conn]*subscriber
}

func NewHub(config NotificationConfig, metrics *Metrics, logger *log.Logger) *Hub {
	bufferSize := config.BufferSize
	if bufferSize < 1 {
		bufferSize = 1
	}
	scope := config.Scope
	if scope == "" {
		scope = ScopeGlobal
	}
	return &Hub{
		scope:      scope,
		bufferSize: bufferSize,
		metrics:    metrics,
		logger:     logger,
		subs:       make(map[Conn]*subscriber),
	}
}

// Register adds conn to the hub. Registering a connection twice replaces its subscription.
func (h *Hub) Register(conn Conn, sub Subscription) {
	s := &subscriber{
		conn:  conn,
		sub:   sub,
		queue: make(chan []byte, h.bufferSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	old, replaced := h.subs[conn]
	h.subs[conn] = s
	h.mu.Unlock()

	if replaced {
		old.stop()
	} else {
		h.metrics.HubConnections.Inc()
	}
	go h.write(s)

	h.logger.Debugf("Registered connection for %s@%s on %q", sub.Username, sub.Organization, sub.ChannelName)
}

// Unregister removes and closes conn. It is safe to call more than once.
func (h *Hub) Unregister(conn Conn) {
	h.mu.Lock()
	s, ok := h.subs[conn]
	delete(h.subs, conn)
	h.mu.Unlock()

	if !ok {
		return
	}
	h.metrics.HubConnections.Dec()
	s.stop()
	if err := conn.Close(); err != nil {
		h.logger.Debugf("Fail to close connection: %v", err)
	}
}

// Broadcast queues event on every connection in scope without blocking
func (h *Hub) Broadcast(event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Errorf("Fail to marshal event: %v", err)
		return
	}

	var slow []Conn
	h.mu.RLock()
	for conn, s := range h.subs {
		if !h.inScope(s.sub, event) {
			continue
		}
		select {
		case s.queue <- payload:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range slow {
		h.logger.Warnf("Dropping slow connection")
		h.metrics.DroppedConnections.Inc()
		h.Unregister(conn)
	}
}

func (h *Hub) inScope(sub Subscription, event *Event) bool {
	switch h.scope {
	case ScopeChannel:
		return sub.ChannelName == "" || sub.ChannelName == event.Channel
	case ScopeIdentity:
		return sub.Username == event.Username && sub.Organization == event.Organization
	default:
		return true
	}
}

// Len returns the number of registered connections
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unregisters every connection
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.subs))
	for conn := range h.subs {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.Unregister(conn)
	}
}

func (h *Hub) write(s *subscriber) {
	for {
		select {
		case payload := <-s.queue:
			if err := s.conn.Send(payload); err != nil {
				h.logger.Debugf("Fail to write to connection: %v", err)
				h.mu.RLock()
				current := h.subs[s.conn] == s
				h.mu.RUnlock()
				if current {
					h.Unregister(s.conn)
				}
				return
			}
		case <-s.done:
			return
		}
	}
}
