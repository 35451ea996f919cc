package models

import (
	"fmt"
	"time"
)

// RoundConfig describes one round of a room.
type RoundConfig struct {
	Round            int    `json:"round" validate:"gte=1"`
	ReferenceText    string `json:"reference_text" validate:"required"`
	TimeLimitSeconds int    `json:"time_limit_seconds" validate:"gte=1,lte=3600"`
	QualifyCount     int    `json:"qualify_count" validate:"gte=1"`
}

// TimeLimit returns the round's duration.
func (c RoundConfig) TimeLimit() time.Duration {
	return time.Duration(c.TimeLimitSeconds) * time.Second
}

// RoundConfigSet holds every round of a room, keyed by the room id. It is
// written together with the room and never changed afterwards.
type RoundConfigSet struct {
	RoomID string        `json:"room_id" validate:"required"`
	Rounds []RoundConfig `json:"rounds" validate:"required,min=1,dive"`
}

// Round returns the configuration of round r.
func (s *RoundConfigSet) Round(r int) (RoundConfig, bool) {
	for _, c := range s.Rounds {
		if c.Round == r {
			return c, true
		}
	}
	return RoundConfig{}, false
}

// CheckSequence verifies rounds are numbered 1..n in order.
func (s *RoundConfigSet) CheckSequence() error {
	for i, c := range s.Rounds {
		if c.Round != i+1 {
			return fmt.Errorf("models: round %d configured at position %d", c.Round, i+1)
		}
	}
	return nil
}

// Outcome is the decision taken when a round ends.
type Outcome struct {
	Round      int       `json:"round" validate:"gte=1"`
	Ranking    []string  `json:"ranking"`
	Qualified  []string  `json:"qualified"`
	Eliminated []string  `json:"eliminated"`
	Forfeited  []string  `json:"forfeited"`
	DecidedAt  time.Time `json:"decided_at" validate:"required"`
}

// IsQualified reports whether participantID qualified.
func (o *Outcome) IsQualified(participantID string) bool {
	for _, id := range o.Qualified {
		if id == participantID {
			return true
		}
	}
	return false
}

// RoundLedger is the per-round marker shared by submissions and
// elimination. Submissions bump Submissions while the ledger is open;
// elimination seals it exactly once and records the Outcome.
type RoundLedger struct {
	RoomID      string     `json:"room_id" validate:"required"`
	Round       int        `json:"round" validate:"gte=1"`
	Submissions int        `json:"submissions" validate:"gte=0"`
	Sealed      bool       `json:"sealed"`
	Outcome     *Outcome   `json:"outcome,omitempty"`
	SealedAt    *time.Time `json:"sealed_at,omitempty"`
}

// LedgerKey is the store key of the ledger for (roomID, round).
func LedgerKey(roomID string, round int) string {
	return fmt.Sprintf("%s#%d", roomID, round)
}
