package relay

import (
	"log/slog"
	"net/http"
	"time"

	"presence-relay/internal/auth"
	"presence-relay/internal/protocol"

	"github.com/gorilla/websocket"
)

// Options tunes per-connection behaviour.
type Options struct {
	SendBufferSize int
	WriteTimeout   time.Duration
	MaxMessageSize int64
	// CheckOrigin overrides the upgrader's origin policy. Nil keeps the
	// gorilla default, which accepts requests without an Origin header.
	CheckOrigin func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Handler upgrades session endpoint requests and starts the per-connection
// goroutines.
type Handler struct {
	log      *slog.Logger
	manager  *Manager
	verifier auth.Verifier
	options  Options
	upgrader websocket.Upgrader
}

func NewHandler(log *slog.Logger, manager *Manager, verifier auth.Verifier, options Options) *Handler {
	options = options.withDefaults()
	return &Handler{
		log:      log,
		manager:  manager,
		verifier: verifier,
		options:  options,
		upgrader: websocket.Upgrader{CheckOrigin: options.CheckOrigin},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, authErr := h.authenticate(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	// Unauthenticated sockets only live long enough to receive the close frame.
	if authErr != nil {
		h.manager.metrics.unauthenticated.Inc()
		h.log.Info("Rejecting unauthenticated connection", "remote", r.RemoteAddr, "error", authErr)
		_ = conn.WriteControl(websocket.CloseMessage, protocol.Unauthenticated.Frame(),
			time.Now().Add(h.options.WriteTimeout))
		_ = conn.Close()
		return
	}

	client := newClient(conn, identity, h.options.SendBufferSize, h.log)
	h.manager.Track(client)

	go client.write(h.options.WriteTimeout)
	go client.read(h.manager, h.options.MaxMessageSize, h.options.WriteTimeout)
}

func (h *Handler) authenticate(r *http.Request) (auth.Identity, error) {
	token, err := auth.BearerToken(r.Header)
	if err != nil {
		return auth.Identity{}, err
	}
	return h.verifier.Verify(token)
}
