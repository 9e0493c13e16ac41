package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/spaces/internal/auth"
	"github.com/dkeye/spaces/internal/cache"
	"github.com/dkeye/spaces/internal/core"
	"github.com/dkeye/spaces/internal/domain"
	"github.com/dkeye/spaces/internal/logging"
	"github.com/dkeye/spaces/internal/store"
)

const maxListLimit = 100

type spacesHandler struct {
	registry *core.Registry
	store    store.SpaceStore
	cache    cache.SummaryCache
	issuer   *auth.Issuer
}

type createSpaceRequest struct {
	Title             string     `json:"title" binding:"required,max=120"`
	Topic             string     `json:"topic" binding:"max=280"`
	SpeakerPermission string     `json:"speakerPermission" binding:"omitempty,oneof=everyone followers invited"`
	Invited           []string   `json:"invited" binding:"max=256,dive,required,max=64"`
	MaxParticipants   int        `json:"maxParticipants" binding:"min=0"`
	ScheduledStart    *time.Time `json:"scheduledStart"`
}

type spaceView struct {
	Space    domain.Space     `json:"space"`
	Snapshot *domain.Snapshot `json:"snapshot,omitempty"`
	Summary  *cache.Summary   `json:"summary,omitempty"`
}

func (h *spacesHandler) create(c *gin.Context) {
	var req createSpaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, domain.Errorf(domain.ErrInvalidSpec, "%v", err))
		return
	}
	invited := make([]domain.UserID, 0, len(req.Invited))
	for _, u := range req.Invited {
		invited = append(invited, domain.UserID(u))
	}
	space, err := h.registry.CreateRoom(domain.SpaceSpec{
		Title:             req.Title,
		Topic:             req.Topic,
		Host:              caller(c),
		SpeakerPermission: domain.SpeakerPermission(req.SpeakerPermission),
		Invited:           invited,
		MaxParticipants:   req.MaxParticipants,
		ScheduledStart:    req.ScheduledStart,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(nethttp.StatusCreated, space)
}

func (h *spacesHandler) list(c *gin.Context) {
	status := domain.Status(c.Query("status"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	out := make([]spaceView, 0, limit)
	for _, space := range h.registry.Spaces() {
		if status != "" && space.Status != status {
			continue
		}
		view := spaceView{Space: space}
		if sum, ok := h.summary(c.Request.Context(), space.ID); ok {
			view.Summary = &sum
		}
		out = append(out, view)
		if len(out) == limit {
			break
		}
	}
	c.JSON(nethttp.StatusOK, gin.H{"spaces": out})
}

func (h *spacesHandler) get(c *gin.Context) {
	id := domain.SpaceID(c.Param("id"))
	ctx := c.Request.Context()
	if err := h.ensure(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	space, err := h.registry.Space(id)
	if err != nil {
		writeError(c, err)
		return
	}
	snap, err := h.registry.Snapshot(id)
	if err != nil {
		writeError(c, err)
		return
	}
	view := spaceView{Space: space, Snapshot: &snap}
	if sum, ok := h.summary(ctx, id); ok {
		view.Summary = &sum
	}
	c.JSON(nethttp.StatusOK, view)
}

// token admits a current participant to the media transport.
func (h *spacesHandler) token(c *gin.Context) {
	id := domain.SpaceID(c.Param("id"))
	uid := caller(c)
	snap, err := h.registry.Snapshot(id)
	if err != nil {
		writeError(c, err)
		return
	}
	if snap.Status == domain.StatusEnded {
		writeError(c, domain.Errorf(domain.ErrRoomEnded, "space %s", id))
		return
	}
	if _, ok := snap.Participant(uid); !ok {
		writeError(c, domain.Errorf(domain.ErrNotParticipant, "user %s in space %s", uid, id))
		return
	}
	grant, err := h.issuer.Issue(id, uid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, grant)
}

func (h *spacesHandler) follow(c *gin.Context) {
	followee := domain.UserID(c.Param("id"))
	if !followee.Valid() {
		writeError(c, domain.Errorf(domain.ErrInvalidSpec, "invalid user id"))
		return
	}
	if h.store == nil {
		writeError(c, domain.Errorf(domain.ErrNotAllowed, "no follow graph configured"))
		return
	}
	if err := h.store.Follow(c.Request.Context(), caller(c), followee); err != nil {
		writeError(c, err)
		return
	}
	c.Status(nethttp.StatusNoContent)
}

// ensure hydrates a persisted space on first lookup.
func (h *spacesHandler) ensure(ctx context.Context, id domain.SpaceID) error {
	if h.registry.Known(id) || h.store == nil {
		return nil
	}
	space, err := h.store.GetSpace(ctx, id)
	if err != nil {
		return err
	}
	h.registry.Hydrate(space)
	return nil
}

// summary reads the live counts, filling the cache on a miss.
func (h *spacesHandler) summary(ctx context.Context, id domain.SpaceID) (cache.Summary, bool) {
	sum, err := h.cache.Get(ctx, id)
	if err == nil {
		return sum, true
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		logging.Ctx(ctx).Debug().Err(err).Msg("summary cache read")
	}
	snap, err := h.registry.Snapshot(id)
	if err != nil {
		return cache.Summary{}, false
	}
	sum = cache.SummaryOf(snap)
	if err := h.cache.Set(ctx, sum); err != nil {
		logging.Ctx(ctx).Debug().Err(err).Msg("summary cache write")
	}
	return sum, true
}

func caller(c *gin.Context) domain.UserID {
	return domain.UserID(c.GetString(clientTokenKey))
}

func writeError(c *gin.Context, err error) {
	code := domain.Code(err)
	status := statusOf(code)
	if status >= nethttp.StatusInternalServerError {
		logging.Ctx(c.Request.Context()).Error().Err(err).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": code})
}

func statusOf(code string) int {
	switch code {
	case "INVALID_SPEC":
		return nethttp.StatusBadRequest
	case "ROOM_NOT_FOUND":
		return nethttp.StatusNotFound
	case "NOT_HOST", "NOT_PARTICIPANT", "PERMISSION_DENIED", "NOT_ALLOWED":
		return nethttp.StatusForbidden
	case "RATE_LIMITED":
		return nethttp.StatusTooManyRequests
	case "INTERNAL":
		return nethttp.StatusInternalServerError
	default:
		return nethttp.StatusConflict
	}
}
