package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"typerace/scoring"
)

// resultNamespace scopes result ids so they cannot collide with other
// name-based UUIDs.
var resultNamespace = uuid.MustParse("5b0d8a3e-7f8c-4f1e-9a51-0c2b7e6d4a19")

// Result is one scored submission. Results are written once and never
// updated or deleted.
type Result struct {
	ID            string          `json:"id" validate:"required,uuid"`
	ParticipantID string          `json:"participant_id" validate:"required"`
	RoomID        string          `json:"room_id" validate:"required"`
	Round         int             `json:"round" validate:"gte=1"`
	Metrics       scoring.Metrics `json:"metrics"`
	SubmittedAt   time.Time       `json:"submitted_at" validate:"required"`
}

// ResultID derives the id of the only result participantID may hold for
// (roomID, round). Creating the document under this id with
// create-if-absent semantics is what rejects duplicates.
func ResultID(roomID string, round int, participantID string) string {
	name := roomID + "\x00" + strconv.Itoa(round) + "\x00" + participantID
	return uuid.NewSHA1(resultNamespace, []byte(name)).String()
}
