package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/Hearth/internal/adapters/signal"
	"github.com/dkeye/Hearth/internal/app/orch"
	"github.com/dkeye/Hearth/internal/core"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	identityKey      = "identity"
	defaultInviteTTL = 24 * time.Hour
	maxInviteTTL     = 30 * 24 * time.Hour
)

// RequireIdentity verifies the bearer credential and stores the identity on the context.
func RequireIdentity(auth core.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := auth.Verify(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func identity(c *gin.Context) domain.UserID {
	id, _ := c.Get(identityKey)
	uid, _ := id.(domain.UserID)
	return uid
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrResourceExhausted):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Str("module", "adapters.http").Str("path", c.FullPath()).Err(err).Msg("request failed")
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func health(o *orch.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		usage := o.Media.Usage()
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": o.Presence.Count(),
			"rooms":    len(o.Rooms.List()),
			"routers":  usage.Routers,
		})
	}
}

type roomHandlers struct {
	orch   *orch.Orchestrator
	signal *signal.Controller
}

// list returns the rooms the caller belongs to.
func (h *roomHandlers) list(c *gin.Context) {
	uid := identity(c)
	out := []orch.RoomState{}
	for _, id := range h.orch.Rooms.RoomsOf(uid) {
		state, err := h.orch.RoomInfo(uid, id)
		if err != nil {
			continue
		}
		out = append(out, state)
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

func (h *roomHandlers) create(c *gin.Context) {
	var attrs domain.RoomAttrs
	if err := c.ShouldBindJSON(&attrs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room attributes"})
		return
	}
	state, err := h.orch.CreateRoom(c.Request.Context(), identity(c), attrs)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

func (h *roomHandlers) get(c *gin.Context) {
	state, err := h.orch.RoomInfo(identity(c), domain.RoomID(c.Param("id")))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *roomHandlers) delete(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	if _, err := h.orch.DeleteRoom(c.Request.Context(), identity(c), id); err != nil {
		abort(c, err)
		return
	}
	if h.signal != nil {
		h.signal.RoomDeleted(id)
	}
	c.Status(http.StatusNoContent)
}

func (h *roomHandlers) invite(c *gin.Context) {
	var req struct {
		TTLSeconds int `json:"ttl_seconds"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invite request"})
			return
		}
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	switch {
	case req.TTLSeconds == 0:
		ttl = defaultInviteTTL
	case ttl < 0 || ttl > maxInviteTTL:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invite ttl out of range"})
		return
	}
	inv, err := h.orch.CreateInvite(identity(c), domain.RoomID(c.Param("id")), ttl)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}
