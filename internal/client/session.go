// Package client is the terminal side of the relay: it opens a session, waits
// until the relay confirms it, then interleaves typed lines with inbound
// envelopes until the relay hangs up or the process is interrupted.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"time"

	"presence-relay/internal/auth"
	"presence-relay/internal/protocol"

	"github.com/gorilla/websocket"
)

const lineQueueSize = 16

var (
	ErrAlreadyLoggedIn  = errors.New("already logged in")
	ErrConnectionClosed = errors.New("connection closed by relay")
	ErrJoinTimeout      = errors.New("timed out waiting for own join")
)

// Options describes how to reach the relay.
type Options struct {
	URL   string
	Token string
	// JoinTimeout bounds the wait for the session's own PresenceJoin.
	// Zero waits forever.
	JoinTimeout time.Duration
}

// URL builds the websocket address of the session endpoint.
func URL(address, path string) string {
	return (&url.URL{Scheme: "ws", Host: address, Path: path}).String()
}

// Dial opens the websocket, presenting token as a bearer credential.
func Dial(ctx context.Context, endpoint, token string) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, auth.BearerHeader(token))
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", endpoint, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return conn, nil
}

// Session is one admitted (or admitting) connection to the relay. All writes
// to conn happen on the goroutine calling Open, AwaitJoin and Run.
type Session struct {
	log         *slog.Logger
	conn        *websocket.Conn
	username    string
	renderer    *Renderer
	joinTimeout time.Duration
}

func NewSession(log *slog.Logger, conn *websocket.Conn, username string, renderer *Renderer, joinTimeout time.Duration) *Session {
	return &Session{
		log:         log,
		conn:        conn,
		username:    username,
		renderer:    renderer,
		joinTimeout: joinTimeout,
	}
}

// Open asks the relay to admit this connection.
func (s *Session) Open() error {
	return s.send(protocol.SessionOpen{Username: s.username})
}

// AwaitJoin blocks until the relay announces this session's own join. Every
// other envelope is discarded.
func (s *Session) AwaitJoin(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	if s.joinTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.joinTimeout))
		defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()
	}

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return ErrJoinTimeout
			}
			return closeError(err)
		}

		e, err := protocol.Decode(raw)
		if err != nil {
			s.log.Debug("Skipping undecodable envelope while joining", "error", err)
			continue
		}
		if join, ok := e.Data.(protocol.PresenceJoin); ok && join.Username == s.username {
			return nil
		}
	}
}

// Run services inbound envelopes and queued outbound lines until the relay
// closes the connection or ctx is done. Interruption is not an error.
func (s *Session) Run(ctx context.Context, outbound <-chan string) error {
	inbound := make(chan protocol.Envelope)
	failed := make(chan error, 1)
	go s.receive(ctx, inbound, failed)

	for {
		select {
		case <-ctx.Done():
			s.hangUp()
			return nil

		case e := <-inbound:
			s.renderer.Envelope(e, s.username)

		case err := <-failed:
			return closeError(err)

		case line, ok := <-outbound:
			if !ok {
				outbound = nil
				continue
			}
			// A failed write means the socket is going away; the reader
			// reports why.
			if err := s.send(protocol.ChatPost{Sender: s.username, Message: line}); err != nil {
				s.log.Debug("Send failed", "error", err)
			}
		}
	}
}

func (s *Session) receive(ctx context.Context, inbound chan<- protocol.Envelope, failed chan<- error) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			failed <- err
			return
		}

		e, err := protocol.Decode(raw)
		if err != nil {
			s.log.Warn("Skipping undecodable envelope", "error", err)
			continue
		}

		select {
		case inbound <- e:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) send(p protocol.Payload) error {
	raw, err := protocol.Encode(protocol.New(p))
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *Session) hangUp() {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// report shows err to the user and hands it back. Interruption is silent.
func (s *Session) report(err error) error {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, ErrAlreadyLoggedIn):
		s.renderer.Error("You are already logged in!")
	default:
		s.renderer.Error("An unknown error occurred: %v", err)
	}
	s.renderer.Notice("Quitting program")
	return err
}

func closeError(err error) error {
	if protocol.AlreadyLoggedIn.Matches(err) {
		return ErrAlreadyLoggedIn
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}

// Chat runs a whole terminal session: dial, open, wait for the join, then
// relay lines from in until the relay hangs up or ctx is done.
func Chat(ctx context.Context, log *slog.Logger, opts Options, in io.Reader, renderer *Renderer) error {
	username, err := auth.UsernameFromToken(opts.Token)
	if err != nil {
		return err
	}

	renderer.Notice("Connecting to relay: %s", opts.URL)
	conn, err := Dial(ctx, opts.URL, opts.Token)
	if err != nil {
		return err
	}
	defer conn.Close()

	session := NewSession(log.With("username", username), conn, username, renderer, opts.JoinTimeout)
	if err := session.Open(); err != nil {
		return session.report(closeError(err))
	}
	renderer.Notice("Successfully connected")

	if err := session.AwaitJoin(ctx); err != nil {
		return session.report(err)
	}
	renderer.Notice("Successfully joined the relay")

	lines := make(chan string, lineQueueSize)
	go func() {
		if err := ReadLines(in, lines); err != nil {
			log.Debug("Input closed", "error", err)
		}
	}()

	return session.report(session.Run(ctx, lines))
}
