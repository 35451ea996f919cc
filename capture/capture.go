// Package capture reconstructs what a participant typed from their
// keystrokes. Each Session belongs to one participant and one round;
// nothing is shared between sessions.
package capture

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Named keys with an effect on the text. Any other multi-character key
// name (Shift, ArrowLeft, ...) is ignored.
const (
	KeyBackspace = "Backspace"
	KeySpace     = "Space"
	KeyEnter     = "Enter"
)

// MaxKeystrokes bounds a single replay.
const MaxKeystrokes = 20000

var ErrOutOfOrder = errors.New("capture: keystrokes out of order")

// Keystroke is one captured key press, timestamped in milliseconds since
// the round started.
type Keystroke struct {
	Key  string `json:"key" validate:"required"`
	AtMs int64  `json:"at_ms" validate:"gte=0"`
}

// Stats summarises a session.
type Stats struct {
	Keystrokes int `json:"keystrokes"`
	Backspaces int `json:"backspaces"`
	Ignored    int `json:"ignored"`
	Length     int `json:"length"`
}

// Session accumulates typed text.
type Session struct {
	start time.Time
	last  time.Time
	text  []rune
	stats Stats
}

// NewSession starts a session at start.
func NewSession(start time.Time) *Session {
	return &Session{start: start, last: start}
}

// Type appends r.
func (s *Session) Type(r rune, at time.Time) {
	s.touch(at)
	s.text = append(s.text, r)
}

// Backspace removes the last rune, if any.
func (s *Session) Backspace(at time.Time) {
	s.touch(at)
	s.stats.Backspaces++
	if n := len(s.text); n > 0 {
		s.text = s.text[:n-1]
	}
}

// Press applies a named or single-character key.
func (s *Session) Press(key string, at time.Time) {
	switch key {
	case KeyBackspace:
		s.Backspace(at)
		return
	case KeySpace:
		s.Type(' ', at)
		return
	case KeyEnter:
		s.Type('\n', at)
		return
	}
	if r, size := utf8.DecodeRuneInString(key); r != utf8.RuneError && size == len(key) {
		s.Type(r, at)
		return
	}
	s.touch(at)
	s.stats.Ignored++
}

// Text returns what is currently typed.
func (s *Session) Text() string { return string(s.text) }

// Elapsed is the time from the session start to the last keystroke.
func (s *Session) Elapsed() time.Duration { return s.last.Sub(s.start) }

func (s *Session) Stats() Stats {
	st := s.stats
	st.Length = len(s.text)
	return st
}

func (s *Session) touch(at time.Time) {
	s.stats.Keystrokes++
	if at.After(s.last) {
		s.last = at
	}
}

// Replay rebuilds the submitted text and elapsed seconds from a raw
// capture. Timestamps must not go backwards.
func Replay(keys []Keystroke) (text string, elapsedSeconds float64, err error) {
	if len(keys) > MaxKeystrokes {
		return "", 0, fmt.Errorf("capture: %d keystrokes exceeds limit of %d", len(keys), MaxKeystrokes)
	}
	start := time.Unix(0, 0)
	s := NewSession(start)
	var prev int64
	for i, k := range keys {
		if k.AtMs < prev {
			return "", 0, fmt.Errorf("%w: keystroke %d at %dms after %dms", ErrOutOfOrder, i, k.AtMs, prev)
		}
		prev = k.AtMs
		s.Press(k.Key, start.Add(time.Duration(k.AtMs)*time.Millisecond))
	}
	return s.Text(), s.Elapsed().Seconds(), nil
}
