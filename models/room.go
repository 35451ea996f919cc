package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Phase is the part of a room's lifecycle within one round.
type Phase string

const (
	PhaseWaiting     Phase = "waiting"
	PhaseActive      Phase = "active"
	PhaseResult      Phase = "result"
	PhaseLeaderboard Phase = "leaderboard"
	PhaseCompleted   Phase = "completed"
)

// Stage is a parsed room status: a phase qualified by its round number.
// The initial stage is {waiting, 0} and the terminal one {completed, 0}.
type Stage struct {
	Phase Phase
	Round int
}

var (
	StageWaiting   = Stage{Phase: PhaseWaiting}
	StageCompleted = Stage{Phase: PhaseCompleted}
)

func WaitingStage(round int) Stage { return Stage{Phase: PhaseWaiting, Round: round} }
func ActiveStage(round int) Stage { return Stage{Phase: PhaseActive, Round: round} }
func ResultStage(round int) Stage { return Stage{Phase: PhaseResult, Round: round} }
func LeaderboardStage(round int) Stage { return Stage{Phase: PhaseLeaderboard, Round: round} }

// String formats the stage the way it is persisted: "waiting", "completed"
// or "<round>_<phase>".
func (s Stage) String() string {
	if s.Phase == PhaseCompleted || (s.Phase == PhaseWaiting && s.Round == 0) {
		return string(s.Phase)
	}
	return strconv.Itoa(s.Round) + "_" + string(s.Phase)
}

// ParseStage is the inverse of Stage.String.
func ParseStage(status string) (Stage, error) {
	switch status {
	case string(PhaseWaiting):
		return StageWaiting, nil
	case string(PhaseCompleted):
		return StageCompleted, nil
	}

	num, phase, ok := strings.Cut(status, "_")
	if !ok {
		return Stage{}, fmt.Errorf("models: malformed room status %q", status)
	}
	round, err := strconv.Atoi(num)
	if err != nil || round < 1 {
		return Stage{}, fmt.Errorf("models: malformed round in room status %q", status)
	}
	switch Phase(phase) {
	case PhaseWaiting, PhaseActive, PhaseResult, PhaseLeaderboard:
		return Stage{Phase: Phase(phase), Round: round}, nil
	}
	return Stage{}, fmt.Errorf("models: unknown phase in room status %q", status)
}

// CanStart reports whether round r may start from this stage: round 1 only
// from the initial waiting stage, later rounds from their own waiting stage
// or straight from the previous round's leaderboard.
func (s Stage) CanStart(r int) bool {
	if r == 1 {
		return s == StageWaiting
	}
	return r > 1 && (s == WaitingStage(r) || s == LeaderboardStage(r-1))
}

// ordinal places stages on one line: waiting < 1_waiting < 1_active <
// 1_result < 1_leaderboard < 2_waiting < ... < completed.
func (s Stage) ordinal() int {
	if s.Phase == PhaseCompleted {
		return math.MaxInt
	}
	step := 0
	switch s.Phase {
	case PhaseActive:
		step = 1
	case PhaseResult:
		step = 2
	case PhaseLeaderboard:
		step = 3
	}
	return s.Round*4 + step
}

// Before reports whether s comes strictly before o in the lifecycle.
func (s Stage) Before(o Stage) bool {
	return s.ordinal() < o.ordinal()
}

// Room is a single contest. Its Status only changes through round
// transitions.
type Room struct {
	ID             string     `json:"id" validate:"required"`
	JoinCode       string     `json:"join_code" validate:"required,len=6,alphanum"`
	Status         string     `json:"status" validate:"required"`
	CurrentRound   int        `json:"current_round" validate:"gte=0"`
	TotalRounds    int        `json:"total_rounds" validate:"gte=1"`
	CreatedBy      string     `json:"created_by" validate:"required"`
	CreatedAt      time.Time  `json:"created_at" validate:"required"`
	RoundStartedAt *time.Time `json:"round_started_at,omitempty"`
	RoundEndedAt   *time.Time `json:"round_ended_at,omitempty"`
}

// Stage parses the room's status.
func (r *Room) Stage() (Stage, error) {
	return ParseStage(r.Status)
}

// IsFinalRound reports whether round is the last configured round.
func (r *Room) IsFinalRound(round int) bool {
	return round >= r.TotalRounds
}

// RoomCode maps a join code to its room. One document per code makes
// codes unique at creation time.
type RoomCode struct {
	Code   string `json:"code" validate:"required,len=6,alphanum"`
	RoomID string `json:"room_id" validate:"required"`
}
