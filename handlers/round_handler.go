package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"typerace/middleware"
	"typerace/models"
	"typerace/services"
)

type RoundHandler struct {
	coordinator *services.Coordinator
}

func NewRoundHandler(coordinator *services.Coordinator) *RoundHandler {
	return &RoundHandler{coordinator: coordinator}
}

type endRoundBody struct {
	Force bool `json:"force"`
}

func (h *RoundHandler) StartRound(c *gin.Context) {
	h.transition(c, h.coordinator.StartRound)
}

func (h *RoundHandler) ShowLeaderboard(c *gin.Context) {
	h.transition(c, h.coordinator.ShowLeaderboard)
}

func (h *RoundHandler) CloseRound(c *gin.Context) {
	h.transition(c, h.coordinator.CloseRound)
}

func (h *RoundHandler) transition(c *gin.Context, fn func(context.Context, string, int) (*models.Room, error)) {
	r, ok := roundParam(c)
	if !ok {
		return
	}
	room, err := fn(c.Request.Context(), c.Param("roomId"), r)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *RoundHandler) EndRound(c *gin.Context) {
	r, ok := roundParam(c)
	if !ok {
		return
	}
	var body endRoundBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}

	out, err := h.coordinator.EndRound(c.Request.Context(), c.Param("roomId"), r, services.EndRoundOptions{Force: body.Force})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *RoundHandler) SubmitResult(c *gin.Context) {
	r, ok := roundParam(c)
	if !ok {
		return
	}
	var req services.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.ParticipantID = middleware.ParticipantID(c)
	req.RoomID = c.Param("roomId")
	req.Round = r

	out, err := h.coordinator.SubmitResult(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusCreated
	if out.AlreadySubmitted {
		status = http.StatusOK
	}
	c.JSON(status, out)
}

func (h *RoundHandler) Leaderboard(c *gin.Context) {
	r, ok := roundParam(c)
	if !ok {
		return
	}
	entries, err := h.coordinator.Leaderboard(c.Request.Context(), c.Param("roomId"), r)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"round": r, "entries": entries})
}

func (h *RoundHandler) Stats(c *gin.Context) {
	r, ok := roundParam(c)
	if !ok {
		return
	}
	stats, err := h.coordinator.Stats(c.Request.Context(), c.Param("roomId"), r)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *RoundHandler) Outcome(c *gin.Context) {
	r, ok := roundParam(c)
	if !ok {
		return
	}
	outcome, err := h.coordinator.Outcome(c.Request.Context(), c.Param("roomId"), r)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}
