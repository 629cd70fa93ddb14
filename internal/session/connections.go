package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tabletop-server/internal/apperr"
	"tabletop-server/internal/auth"
)

// outboundBuffer is the per-connection queue depth. A connection that
// falls this far behind is considered broken and gets dropped.
const outboundBuffer = 64

// writeTimeout bounds a single transport write so one dead socket
// cannot stall its writer goroutine forever.
const writeTimeout = 10 * time.Second

// Transport is the wire half of a connection. The websocket layer wraps
// the real socket; tests substitute fakes.
type Transport interface {
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Conn is one participant's live link to a session. Owned exclusively
// by the session's ConnectionManager from Register until drop.
type Conn struct {
	ID        string
	Principal auth.Principal

	transport Transport
	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	lastActive time.Time
}

func NewConn(p auth.Principal, transport Transport) *Conn {
	return &Conn{
		ID:         uuid.New().String(),
		Principal:  p,
		transport:  transport,
		outbound:   make(chan []byte, outboundBuffer),
		done:       make(chan struct{}),
		lastActive: time.Now(),
	}
}

// Touch records inbound activity, used by the idle sweep.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Conn) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// enqueue hands a frame to the writer goroutine without blocking.
// Returns false when the queue is full or the connection is closing.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.transport.Close(reason); err != nil {
			// Already-closed transports are a normal teardown race
			log.Printf("Connection %s close: %v", c.ID, err)
		}
	})
}

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// writeLoop drains the outbound queue onto the transport. Runs as the
// connection's single writer; a failed write drops the connection.
func (c *Conn) writeLoop(onError func(*Conn, error)) {
	for {
		select {
		case data := <-c.outbound:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.transport.Write(ctx, data)
			cancel()
			if err != nil {
				onError(c, err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// ConnectionManager maintains the live connection set for one session
// and provides fan-out broadcast. All mutation goes through the manager
// so the participant set and the maps never disagree.
type ConnectionManager struct {
	mu          sync.RWMutex
	conns       map[string]*Conn // connection id → conn
	byPrincipal map[string]*Conn // principal id → conn

	// onDrop runs outside cm.mu whenever a connection is forcibly
	// removed (send failure, idle sweep). The owning session uses it to
	// detach the participant.
	onDrop func(*Conn, string)
}

func NewConnectionManager(onDrop func(*Conn, string)) *ConnectionManager {
	if onDrop == nil {
		onDrop = func(*Conn, string) {}
	}
	return &ConnectionManager{
		conns:       make(map[string]*Conn),
		byPrincipal: make(map[string]*Conn),
		onDrop:      onDrop,
	}
}

// Register adds a connection and starts its writer. A principal may
// hold at most one live connection per session.
func (cm *ConnectionManager) Register(c *Conn) error {
	cm.mu.Lock()
	if _, exists := cm.byPrincipal[c.Principal.ID]; exists {
		cm.mu.Unlock()
		return apperr.Conflict("principal already connected to this session")
	}
	cm.conns[c.ID] = c
	cm.byPrincipal[c.Principal.ID] = c
	cm.mu.Unlock()

	go c.writeLoop(func(c *Conn, err error) {
		log.Printf("Connection %s write error: %v", c.ID, err)
		cm.Drop(c, "write failed")
	})
	return nil
}

// Unregister removes a connection without closing its transport. Used
// on clean disconnects where the read loop already observed the close.
func (cm *ConnectionManager) Unregister(c *Conn) {
	cm.mu.Lock()
	cm.remove(c)
	cm.mu.Unlock()
	c.close("")
}

// Drop forcibly removes and closes a connection, then notifies the
// owning session.
func (cm *ConnectionManager) Drop(c *Conn, reason string) {
	cm.mu.Lock()
	removed := cm.remove(c)
	cm.mu.Unlock()

	c.close(reason)
	if removed {
		cm.onDrop(c, reason)
	}
}

// remove deletes c from both maps. Caller holds cm.mu. Reports whether
// the connection was still registered, so double drops stay idempotent.
func (cm *ConnectionManager) remove(c *Conn) bool {
	if _, ok := cm.conns[c.ID]; !ok {
		return false
	}
	delete(cm.conns, c.ID)
	if cur, ok := cm.byPrincipal[c.Principal.ID]; ok && cur.ID == c.ID {
		delete(cm.byPrincipal, c.Principal.ID)
	}
	return true
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// Participants returns the principal ids currently attached.
func (cm *ConnectionManager) Participants() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	ids := make([]string, 0, len(cm.byPrincipal))
	for id := range cm.byPrincipal {
		ids = append(ids, id)
	}
	return ids
}

// HasPrincipal reports whether a principal is currently attached.
func (cm *ConnectionManager) HasPrincipal(principalID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	_, ok := cm.byPrincipal[principalID]
	return ok
}

// SendTo queues a frame for one attached principal.
func (cm *ConnectionManager) SendTo(principalID string, data []byte) error {
	cm.mu.RLock()
	c, ok := cm.byPrincipal[principalID]
	cm.mu.RUnlock()

	if !ok {
		return apperr.NotFound("principal not attached")
	}
	if !c.enqueue(data) {
		cm.Drop(c, "send queue overflow")
		return apperr.Internal("connection dropped: send queue overflow")
	}
	return nil
}

// Broadcast queues a frame for every connection registered at call
// time, except the excluded principal. A connection that cannot accept
// the frame is dropped; delivery to the others is unaffected.
func (cm *ConnectionManager) Broadcast(data []byte, excludePrincipal string) {
	cm.mu.RLock()
	targets := make([]*Conn, 0, len(cm.conns))
	for _, c := range cm.conns {
		if excludePrincipal != "" && c.Principal.ID == excludePrincipal {
			continue
		}
		targets = append(targets, c)
	}
	cm.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			log.Printf("Connection %s cannot keep up, dropping", c.ID)
			cm.Drop(c, "send queue overflow")
		}
	}
}

// IdleConnections returns connections without inbound activity for
// longer than timeout.
func (cm *ConnectionManager) IdleConnections(timeout time.Duration) []*Conn {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	cutoff := time.Now().Add(-timeout)
	var idle []*Conn
	for _, c := range cm.conns {
		if c.idleSince().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	return idle
}

// CloseAll drops every connection, used on session delete and server
// shutdown.
func (cm *ConnectionManager) CloseAll(reason string) {
	cm.mu.RLock()
	conns := make([]*Conn, 0, len(cm.conns))
	for _, c := range cm.conns {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	for _, c := range conns {
		cm.Drop(c, reason)
	}
}
