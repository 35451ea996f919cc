package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"typerace/models"
	"typerace/store"
)

const (
	joinCodeLength   = 6
	joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	joinCodeAttempts = 8
)

type CreateRoomRequest struct {
	CreatedBy string               `json:"-" validate:"required"`
	Rounds    []models.RoundConfig `json:"rounds" validate:"required,min=1,max=50"`
}

// CreatedRoom is a new room with its round configuration.
type CreatedRoom struct {
	Room   models.Room           `json:"room"`
	Config models.RoundConfigSet `json:"config"`
}

type JoinRequest struct {
	Code          string `json:"code" validate:"required"`
	ParticipantID string `json:"-" validate:"required"`
	DisplayName   string `json:"display_name" validate:"required,max=64"`
}

// JoinOutcome is the participant record after joining. Rejoined is set
// when the participant was already in the room and nothing changed.
type JoinOutcome struct {
	Participant models.Participant `json:"participant"`
	Room        models.Room        `json:"room"`
	Rejoined    bool               `json:"rejoined"`
}

// CreateRoom stores a room, its round configuration and its join code in
// one batch. Rounds without a number are numbered by position.
func (c *Coordinator) CreateRoom(ctx context.Context, req CreateRoomRequest) (*CreatedRoom, error) {
	const op = "create room"
	if err := models.Validate(req); err != nil {
		return nil, newError(KindValidation, op, err)
	}

	roomID := uuid.NewString()
	set := models.RoundConfigSet{RoomID: roomID, Rounds: make([]models.RoundConfig, len(req.Rounds))}
	for i, rc := range req.Rounds {
		if rc.Round == 0 {
			rc.Round = i + 1
		}
		rc.ReferenceText = strings.TrimSpace(rc.ReferenceText)
		set.Rounds[i] = rc
	}
	if err := models.Validate(set); err != nil {
		return nil, newError(KindValidation, op, err)
	}
	if err := set.CheckSequence(); err != nil {
		return nil, newError(KindValidation, op, err)
	}

	now := c.clock()
	room := models.Room{
		ID:          roomID,
		Status:      models.StageWaiting.String(),
		TotalRounds: len(set.Rounds),
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
	}

	for attempt := 1; attempt <= joinCodeAttempts; attempt++ {
		code, err := generateJoinCode()
		if err != nil {
			return nil, newError(KindInternal, op, err)
		}
		room.JoinCode = code

		codeOp, err := createOp(CollRoomCodes, code, models.RoomCode{Code: code, RoomID: roomID})
		if err != nil {
			return nil, newError(KindInternal, op, err)
		}
		roomOp, err := createOp(CollRooms, roomID, room)
		if err != nil {
			return nil, newError(KindValidation, op, err)
		}
		configOp, err := createOp(CollRoundConfigs, roomID, set)
		if err != nil {
			return nil, newError(KindValidation, op, err)
		}

		err = c.store.Batch(ctx, []store.Op{codeOp, roomOp, configOp})
		var batchErr *store.BatchError
		if errors.As(err, &batchErr) && batchErr.Index == 0 && errors.Is(err, store.ErrExists) {
			c.log.WithField("attempt", attempt).Debug("join code collision, regenerating")
			continue
		}
		if err != nil {
			return nil, storeError(op, err)
		}

		c.log.WithFields(logrus.Fields{
			"room_id":      roomID,
			"join_code":    code,
			"total_rounds": room.TotalRounds,
			"created_by":   req.CreatedBy,
		}).Info("room created")
		return &CreatedRoom{Room: room, Config: set}, nil
	}
	return nil, newError(KindTransient, op, fmt.Errorf("%w: no free join code after %d attempts", ErrContention, joinCodeAttempts))
}

// JoinRoom adds a participant to the room behind code. Joining is keyed by
// the participant's identity, so repeating it is harmless. A room only
// accepts newcomers before its first round starts.
func (c *Coordinator) JoinRoom(ctx context.Context, req JoinRequest) (*JoinOutcome, error) {
	const op = "join room"
	req.Code = NormalizeJoinCode(req.Code)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := models.Validate(req); err != nil {
		return nil, newError(KindValidation, op, err)
	}
	if !ValidJoinCode(req.Code) {
		return nil, newError(KindValidation, op, ErrInvalidJoinCode)
	}

	var out *JoinOutcome
	err := c.retry(ctx, op, func(int) error {
		room, err := c.roomByCode(ctx, op, req.Code)
		if err != nil {
			return err
		}

		existing, err := getRecord[models.Participant](ctx, c.store, CollParticipants, req.ParticipantID)
		found := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return storeError(op, err)
		}
		if found && existing.Value.RoomID == room.Value.ID {
			out = &JoinOutcome{Participant: existing.Value, Room: room.Value, Rejoined: true}
			return nil
		}
		if found {
			if err := c.checkLeftRoom(ctx, op, existing.Value.RoomID); err != nil {
				return err
			}
		}

		stage, err := room.Value.Stage()
		if err != nil {
			return newError(KindInternal, op, err)
		}
		if stage != models.StageWaiting {
			return newError(KindConflict, op, ErrRoomStarted)
		}

		now := c.clock()
		p := models.Participant{
			ID:          req.ParticipantID,
			DisplayName: req.DisplayName,
			RoomID:      room.Value.ID,
			Status:      models.StatusWaiting,
			JoinedAt:    now,
			UpdatedAt:   now,
		}
		var pOp store.Op
		if found {
			pOp, err = putOp(CollParticipants, p.ID, p, existing.Version)
		} else {
			pOp, err = createOp(CollParticipants, p.ID, p)
		}
		if err != nil {
			return newError(KindValidation, op, err)
		}
		// Rewriting the room unchanged bumps its version, so a round start
		// planned without this participant fails its compare-and-set.
		roomOp, err := putOp(CollRooms, room.Value.ID, room.Value, room.Version)
		if err != nil {
			return newError(KindInternal, op, err)
		}
		if err := c.store.Batch(ctx, []store.Op{pOp, roomOp}); err != nil {
			return storeError(op, err)
		}

		c.log.WithFields(logrus.Fields{"room_id": p.RoomID, "participant_id": p.ID}).Info("participant joined")
		out = &JoinOutcome{Participant: p, Room: room.Value}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkLeftRoom allows moving to a new room only once the previous one is
// over or gone.
func (c *Coordinator) checkLeftRoom(ctx context.Context, op, roomID string) error {
	prev, err := getRecord[models.Room](ctx, c.store, CollRooms, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeError(op, err)
	}
	if prev.Value.Status != models.StageCompleted.String() {
		return newError(KindConflict, op, ErrAlreadyInRoom)
	}
	return nil
}

// GetRoom returns a room by id.
func (c *Coordinator) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := c.loadRoom(ctx, "get room", roomID)
	if err != nil {
		return nil, err
	}
	return &room.Value, nil
}

// GetRoomByCode resolves a join code.
func (c *Coordinator) GetRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	const op = "get room by code"
	code = NormalizeJoinCode(code)
	if !ValidJoinCode(code) {
		return nil, newError(KindValidation, op, ErrInvalidJoinCode)
	}
	room, err := c.roomByCode(ctx, op, code)
	if err != nil {
		return nil, err
	}
	return &room.Value, nil
}

// RoundConfig returns the configuration of round r of a room.
func (c *Coordinator) RoundConfig(ctx context.Context, roomID string, r int) (*models.RoundConfig, error) {
	cfg, err := c.loadRoundConfig(ctx, "get round config", roomID, r)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Coordinator) roomByCode(ctx context.Context, op, code string) (versioned[models.Room], error) {
	rc, err := getRecord[models.RoomCode](ctx, c.store, CollRoomCodes, code)
	if errors.Is(err, store.ErrNotFound) {
		return versioned[models.Room]{}, newError(KindNotFound, op, ErrRoomNotFound)
	}
	if err != nil {
		return versioned[models.Room]{}, storeError(op, err)
	}
	return c.loadRoom(ctx, op, rc.Value.RoomID)
}

func (c *Coordinator) loadRoom(ctx context.Context, op, roomID string) (versioned[models.Room], error) {
	room, err := getRecord[models.Room](ctx, c.store, CollRooms, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return room, newError(KindNotFound, op, ErrRoomNotFound)
	}
	if err != nil {
		return room, storeError(op, err)
	}
	return room, nil
}

func (c *Coordinator) loadRoundConfig(ctx context.Context, op, roomID string, r int) (models.RoundConfig, error) {
	set, err := getRecord[models.RoundConfigSet](ctx, c.store, CollRoundConfigs, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return models.RoundConfig{}, newError(KindNotFound, op, ErrConfigNotFound)
	}
	if err != nil {
		return models.RoundConfig{}, storeError(op, err)
	}
	cfg, ok := set.Value.Round(r)
	if !ok {
		return models.RoundConfig{}, newError(KindNotFound, op, fmt.Errorf("%w: round %d", ErrConfigNotFound, r))
	}
	return cfg, nil
}

// NormalizeJoinCode upper-cases and trims a user-entered code.
func NormalizeJoinCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidJoinCode reports whether code is six ASCII letters or digits.
func ValidJoinCode(code string) bool {
	if len(code) != joinCodeLength {
		return false
	}
	for _, ch := range code {
		if !(ch >= 'A' && ch <= 'Z') && !(ch >= '0' && ch <= '9') {
			return false
		}
	}
	return true
}

func generateJoinCode() (string, error) {
	buf := make([]byte, joinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate join code: %w", err)
	}
	for i, b := range buf {
		buf[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(buf), nil
}
