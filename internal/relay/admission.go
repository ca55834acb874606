package relay

import (
	"errors"
	"time"

	"presence-relay/internal/protocol"
)

type admissionState int

const (
	stateAwaitingSessionOpen admissionState = iota
	stateAdmitted
)

// admission is the per-connection handshake state machine. It is only ever
// driven by the connection's read goroutine.
type admission struct {
	client    *Client
	manager   *Manager
	writeWait time.Duration
	state     admissionState
}

func newAdmission(c *Client, m *Manager, writeWait time.Duration) *admission {
	return &admission{client: c, manager: m, writeWait: writeWait}
}

// handle applies one inbound envelope and reports whether the connection
// should stay open.
func (a *admission) handle(e protocol.Envelope) bool {
	switch a.state {
	case stateAwaitingSessionOpen:
		return a.awaitingSessionOpen(e)
	default:
		return a.admitted(e)
	}
}

func (a *admission) awaitingSessionOpen(e protocol.Envelope) bool {
	open, ok := e.Data.(protocol.SessionOpen)
	if !ok {
		a.client.log.Debug("Ignoring envelope before session open", "type", e.Type)
		return true
	}
	// The token decides who is admitted, whatever name the client asked for.
	identity := a.client.identity
	if open.Username != identity.Username {
		a.client.log.Warn("Session open names another username, admitting the token identity",
			"requested", open.Username)
	}

	if err := a.manager.Claim(identity, a.client); err != nil {
		reason := protocol.SessionUnavailable
		if errors.Is(err, ErrUsernameTaken) {
			reason = protocol.AlreadyLoggedIn
		}
		a.client.log.Info("Admission refused", "error", err)
		a.client.closeWith(reason, a.writeWait)
		return false
	}
	a.state = stateAdmitted
	return true
}

func (a *admission) admitted(e protocol.Envelope) bool {
	switch p := e.Data.(type) {
	case protocol.ChatPost:
		if p.Sender != a.client.identity.Username {
			a.client.log.Warn("Dropping chat post with a foreign sender", "sender", p.Sender)
			return true
		}
		if err := a.manager.Post(a.client, e); err != nil {
			a.client.log.Info("Session gone, dropping chat post", "error", err)
			return false
		}
	default:
		a.client.log.Debug("Ignoring envelope after admission", "type", e.Type)
	}
	return true
}
