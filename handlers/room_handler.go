package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"typerace/middleware"
	"typerace/services"
)

type RoomHandler struct {
	coordinator *services.Coordinator
}

func NewRoomHandler(coordinator *services.Coordinator) *RoomHandler {
	return &RoomHandler{coordinator: coordinator}
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req services.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.CreatedBy = middleware.ParticipantID(c)

	created, err := h.coordinator.CreateRoom(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, err := h.coordinator.GetRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// GetRoomByCode resolves a join code without joining.
func (h *RoomHandler) GetRoomByCode(c *gin.Context) {
	room, err := h.coordinator.GetRoomByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *RoomHandler) JoinRoom(c *gin.Context) {
	var req services.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.ParticipantID = middleware.ParticipantID(c)

	out, err := h.coordinator.JoinRoom(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusCreated
	if out.Rejoined {
		status = http.StatusOK
	}
	c.JSON(status, out)
}

func (h *RoomHandler) Participants(c *gin.Context) {
	list, err := h.coordinator.Participants(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": list})
}
