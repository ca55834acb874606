// manager.go

// Central event loop. The manager handles tracking, admission, removal and
// broadcasting, and announces presence changes as they happen.
package relay

import (
	"context"
	"log/slog"
	"slices"

	"presence-relay/internal/auth"
	"presence-relay/internal/protocol"

	"github.com/samber/lo"
)

func NewManager(log *slog.Logger, metrics *Metrics) *Manager {
	return &Manager{
		log:        log,
		metrics:    metrics,
		clients:    make(map[*Client]bool),
		sessions:   make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan removeRequest),
		admission:  make(chan admitRequest),
		broadcast:  make(chan []byte),
		post:       make(chan postRequest),
		inspect:    make(chan func()),
		done:       make(chan struct{}),
	}
}

// Run serves registry requests until ctx is done. On exit every live client's
// send queue is closed so its writer hangs up, and later requests return
// immediately.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case c := <-m.register:
			m.clients[c] = true
			m.metrics.liveConnections.Set(float64(len(m.clients)))

		case a := <-m.admission:
			a.result <- m.admit(a.identity, a.client)

		case r := <-m.unregister:
			identity, bound := m.remove(r.client)
			r.result <- removed{identity: identity, bound: bound}

		case message := <-m.broadcast:
			m.fanout(message)

		case p := <-m.post:
			p.result <- m.relay(p.origin, p.message)

		case fn := <-m.inspect:
			fn()

		case <-ctx.Done():
			m.shutdown()
			return
		}
	}
}

// Track adds a freshly accepted connection to the live set. Once the manager
// has stopped the connection's send queue is closed instead.
func (m *Manager) Track(c *Client) {
	select {
	case m.register <- c:
	case <-m.done:
		close(c.send)
	}
}

// Admit binds c to identity unless the username already holds a session.
// On success every live connection, c included, is sent a PresenceJoin.
func (m *Manager) Admit(identity auth.Identity, c *Client) bool {
	return m.Claim(identity, c) == nil
}

// Claim is Admit reporting why a refusal happened: ErrUsernameTaken for a
// duplicate, ErrNotLive for a connection that is untracked, evicted or
// already bound, ErrStopped once Run has returned.
func (m *Manager) Claim(identity auth.Identity, c *Client) error {
	result := make(chan error, 1)
	select {
	case m.admission <- admitRequest{identity: identity, client: c, result: result}:
		return <-result
	case <-m.done:
		return ErrStopped
	}
}

// Remove drops c from the live set. If c was admitted its username is freed,
// a PresenceLeave goes to the remaining connections and the freed identity is
// returned.
func (m *Manager) Remove(c *Client) (auth.Identity, bool) {
	result := make(chan removed, 1)
	select {
	case m.unregister <- removeRequest{client: c, result: result}:
		r := <-result
		return r.identity, r.bound
	case <-m.done:
		return auth.Identity{}, false
	}
}

// BroadcastAll encodes e once and queues it for every live connection.
// Delivery is best-effort and failures are never reported to the caller.
func (m *Manager) BroadcastAll(e protocol.Envelope) {
	message, err := protocol.Encode(e)
	if err != nil {
		m.log.Error("Dropping broadcast, envelope cannot be encoded", "type", e.Type, "error", err)
		return
	}
	select {
	case m.broadcast <- message:
	case <-m.done:
	}
}

// Post relays a chat envelope on behalf of origin. It is refused with
// ErrNotBound once origin has lost its session, for instance after being
// evicted, so nothing reaches other clients after its leave.
func (m *Manager) Post(origin *Client, e protocol.Envelope) error {
	message, err := protocol.Encode(e)
	if err != nil {
		return err
	}
	result := make(chan error, 1)
	select {
	case m.post <- postRequest{origin: origin, message: message, result: result}:
		return <-result
	case <-m.done:
		return ErrStopped
	}
}

// Usernames returns the bound usernames, sorted.
func (m *Manager) Usernames() []string {
	var names []string
	m.do(func() { names = lo.Keys(m.sessions) })
	slices.Sort(names)
	return names
}

// Bound reports whether username currently holds a session.
func (m *Manager) Bound(username string) bool {
	var ok bool
	m.do(func() { _, ok = m.sessions[username] })
	return ok
}

// Len returns the number of live connections.
func (m *Manager) Len() int {
	var n int
	m.do(func() { n = len(m.clients) })
	return n
}

func (m *Manager) do(fn func()) {
	finished := make(chan struct{})
	select {
	case m.inspect <- func() { fn(); close(finished) }:
		<-finished
	case <-m.done:
	}
}

func (m *Manager) admit(identity auth.Identity, c *Client) error {
	if !m.clients[c] || c.session != nil {
		return ErrNotLive
	}
	if _, taken := m.sessions[identity.Username]; taken {
		m.metrics.admissions.WithLabelValues(admissionRejected).Inc()
		m.log.Info("Admission refused, username already has a session",
			"username", identity.Username, "connection", c.id)
		return ErrUsernameTaken
	}

	m.sessions[identity.Username] = c
	c.session = &identity
	m.metrics.admissions.WithLabelValues(admissionAccepted).Inc()
	m.metrics.activeSessions.Set(float64(len(m.sessions)))
	m.log.Info("Session admitted", "username", identity.Username, "connection", c.id)

	m.announce(protocol.PresenceJoin{Username: identity.Username})
	return nil
}

func (m *Manager) relay(origin *Client, message []byte) error {
	if !m.clients[origin] || origin.session == nil {
		return ErrNotBound
	}
	m.fanout(message)
	return nil
}

func (m *Manager) remove(c *Client) (auth.Identity, bool) {
	if !m.clients[c] {
		return auth.Identity{}, false
	}
	m.drop(c)

	identity, bound := m.unbind(c)
	if bound {
		m.log.Info("Session closed", "username", identity.Username, "connection", c.id)
		m.announce(protocol.PresenceLeave{Username: identity.Username})
	}
	return identity, bound
}

func (m *Manager) drop(c *Client) {
	delete(m.clients, c)
	close(c.send)
	m.metrics.liveConnections.Set(float64(len(m.clients)))
}

func (m *Manager) unbind(c *Client) (auth.Identity, bool) {
	if c.session == nil {
		return auth.Identity{}, false
	}
	identity := *c.session
	c.session = nil
	if m.sessions[identity.Username] == c {
		delete(m.sessions, identity.Username)
		m.metrics.activeSessions.Set(float64(len(m.sessions)))
	}
	return identity, true
}

func (m *Manager) announce(p protocol.Payload) {
	message, err := protocol.Encode(protocol.New(p))
	if err != nil {
		m.log.Error("Cannot encode presence event", "type", p.MessageType(), "error", err)
		return
	}
	m.fanout(message)
}

// fanout never blocks: a client whose queue is full is evicted rather than
// allowed to hold up everyone else.
func (m *Manager) fanout(message []byte) {
	m.metrics.broadcasts.Inc()

	var evicted []*Client
	for c := range m.clients {
		select {
		case c.send <- message:
			m.metrics.deliveries.Inc()
		default:
			evicted = append(evicted, c)
		}
	}

	for _, c := range evicted {
		if !m.clients[c] {
			continue
		}
		m.metrics.evictions.Inc()
		m.log.Warn("Evicting slow connection", "connection", c.id)
		m.drop(c)
		if identity, bound := m.unbind(c); bound {
			m.announce(protocol.PresenceLeave{Username: identity.Username})
		}
	}
}

func (m *Manager) shutdown() {
	for c := range m.clients {
		m.drop(c)
		c.session = nil
	}
	clear(m.sessions)
	m.metrics.activeSessions.Set(0)
}
