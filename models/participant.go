package models

import "time"

// ParticipantStatus is where a contestant stands in the contest.
type ParticipantStatus string

const (
	StatusWaiting    ParticipantStatus = "waiting"
	StatusActive     ParticipantStatus = "active"
	StatusQualified  ParticipantStatus = "qualified"
	StatusEliminated ParticipantStatus = "eliminated"
)

// Participant is keyed by the contestant's identity so joining twice is a
// no-op.
type Participant struct {
	ID              string            `json:"id" validate:"required"`
	DisplayName     string            `json:"display_name" validate:"required,max=64"`
	RoomID          string            `json:"room_id" validate:"required"`
	Status          ParticipantStatus `json:"status" validate:"required,oneof=waiting active qualified eliminated"`
	CurrentRound    int               `json:"current_round" validate:"gte=0"`
	EliminatedRound int               `json:"eliminated_round,omitempty" validate:"gte=0"`
	JoinedAt        time.Time         `json:"joined_at" validate:"required"`
	UpdatedAt       time.Time         `json:"updated_at" validate:"required"`
}

// EligibleFor reports whether the participant may become active for round
// r. Eliminated participants never come back and a qualifier of round N
// only advances to N+1.
func (p *Participant) EligibleFor(r int) bool {
	switch p.Status {
	case StatusWaiting:
		return r == 1
	case StatusQualified:
		return p.CurrentRound == r-1
	}
	return false
}

// EliminatedBefore reports whether the participant was knocked out in a
// round earlier than r.
func (p *Participant) EliminatedBefore(r int) bool {
	return p.Status == StatusEliminated && p.EliminatedRound < r
}
