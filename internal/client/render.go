package client

import (
	"fmt"
	"io"

	"presence-relay/internal/protocol"

	"github.com/gookit/color"
)

// LineKind says how a rendered line should look.
type LineKind int

const (
	LineOwnChat LineKind = iota
	LineChat
	LineJoin
	LineLeave
	LineNotice
	LineError
)

// Line is one line of terminal output.
type Line struct {
	Kind LineKind
	Text string
}

// Format turns an inbound envelope into a line from self's point of view.
// Envelopes that have nothing to show report false.
func Format(e protocol.Envelope, self string) (Line, bool) {
	switch p := e.Data.(type) {
	case protocol.ChatPost:
		kind := LineChat
		if p.Sender == self {
			kind = LineOwnChat
		}
		return Line{Kind: kind, Text: fmt.Sprintf("%s: %s", p.Sender, p.Message)}, true
	case protocol.PresenceJoin:
		return Line{Kind: LineJoin, Text: fmt.Sprintf("User %s joined.", p.Username)}, true
	case protocol.PresenceLeave:
		return Line{Kind: LineLeave, Text: fmt.Sprintf("User %s has left.", p.Username)}, true
	default:
		return Line{}, false
	}
}

// Renderer writes lines to the terminal. Only the session loop calls it.
type Renderer struct {
	out    io.Writer
	plain  bool
	styles map[LineKind]color.Style
}

func NewRenderer(out io.Writer, plain bool) *Renderer {
	return &Renderer{
		out:   out,
		plain: plain,
		styles: map[LineKind]color.Style{
			LineOwnChat: color.New(color.FgGray),
			LineChat:    color.New(color.OpBold, color.FgGreen),
			LineJoin:    color.New(color.OpBold, color.FgGreen),
			LineLeave:   color.New(color.OpBold, color.FgRed),
			LineNotice:  color.New(color.OpBold, color.FgGray),
			LineError:   color.New(color.OpBold, color.FgRed),
		},
	}
}

// Envelope renders e for self; envelopes with nothing to show are skipped.
func (r *Renderer) Envelope(e protocol.Envelope, self string) {
	if line, ok := Format(e, self); ok {
		r.Line(line)
	}
}

func (r *Renderer) Notice(format string, args ...any) {
	r.Line(Line{Kind: LineNotice, Text: fmt.Sprintf(format, args...)})
}

func (r *Renderer) Error(format string, args ...any) {
	r.Line(Line{Kind: LineError, Text: fmt.Sprintf(format, args...)})
}

func (r *Renderer) Line(line Line) {
	text := line.Text
	if !r.plain {
		text = r.styles[line.Kind].Render(text)
	}
	fmt.Fprintln(r.out, text)
}
