package protocol

import (
	"errors"

	"github.com/gorilla/websocket"
)

// CloseReason is the code and text the relay puts in a close frame.
type CloseReason struct {
	Code int
	Text string
}

var (
	// AlreadyLoggedIn closes a connection whose identity already holds a session.
	AlreadyLoggedIn = CloseReason{Code: websocket.ClosePolicyViolation, Text: "Already Logged in"}
	// Unauthenticated closes a connection that presented no valid bearer token.
	Unauthenticated = CloseReason{Code: websocket.ClosePolicyViolation, Text: "Not authenticated"}
	// SessionUnavailable closes a connection the registry could not admit for
	// any reason other than a duplicate username.
	SessionUnavailable = CloseReason{Code: websocket.CloseTryAgainLater, Text: "Session unavailable"}
)

// Frame returns the close frame body for this reason.
func (r CloseReason) Frame() []byte {
	return websocket.FormatCloseMessage(r.Code, r.Text)
}

// Matches reports whether a close error received from the peer carries this reason.
func (r CloseReason) Matches(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == r.Code && ce.Text == r.Text
}
