package sessions

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindhaven-health/backend/internal/media"
	"github.com/mindhaven-health/backend/internal/middleware"
	"github.com/mindhaven-health/backend/internal/models"
	"github.com/mindhaven-health/backend/internal/rtc"
	"github.com/mindhaven-health/backend/pkg/response"
	"github.com/mindhaven-health/backend/pkg/storage"
)

// ThumbnailStore stores session thumbnails and serves presigned links.
// Optional; endpoints report unavailable without one.
type ThumbnailStore interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	Kind            string `json:"kind" binding:"required"`
	Title           string `json:"title" binding:"required"`
	Description     string `json:"description"`
	StartsAt        string `json:"starts_at" binding:"required"`
	DurationMinutes int    `json:"duration_minutes" binding:"required"`
	MaxParticipants int    `json:"max_participants"`
}

// UpdateRequest is the body for PATCH /sessions/:id. Absent fields keep
// their current values.
type UpdateRequest struct {
	Title           *string `json:"title"`
	Description     *string `json:"description"`
	StartsAt        *string `json:"starts_at"`
	DurationMinutes *int    `json:"duration_minutes"`
	MaxParticipants *int    `json:"max_participants"`
}

// Handler handles session catalog and call-control HTTP endpoints.
type Handler struct {
	registry   *Registry
	orch       *Orchestrator
	thumbnails ThumbnailStore
	logger     *zap.Logger
}

// NewHandler creates a session handler. thumbnails may be nil.
func NewHandler(registry *Registry, orch *Orchestrator, thumbnails ThumbnailStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, orch: orch, thumbnails: thumbnails, logger: logger}
}

// sessionView decorates a session with its availability for list and detail
// responses.
type sessionView struct {
	models.Session
	Availability models.Availability `json:"availability"`
}

func view(s models.Session) sessionView {
	return sessionView{Session: s, Availability: Availability(s)}
}

func views(list []models.Session) []sessionView {
	out := make([]sessionView, 0, len(list))
	for _, s := range list {
		out = append(out, view(s))
	}
	return out
}

// List handles GET /sessions. Filters: ?status=, ?host=, ?today=1, ?week=1,
// ?q= (search). Filters are exclusive; the first recognized one wins.
func (h *Handler) List(c *gin.Context) {
	switch {
	case c.Query("q") != "":
		response.OK(c, views(h.registry.Search(c.Query("q"))))
	case c.Query("status") != "":
		response.OK(c, views(h.registry.ListByStatus(models.SessionStatus(c.Query("status")))))
	case c.Query("host") != "":
		hostID, err := uuid.Parse(c.Query("host"))
		if err != nil {
			response.BadRequest(c, "invalid host id")
			return
		}
		response.OK(c, views(h.registry.ListByHost(hostID)))
	case c.Query("today") == "1":
		response.OK(c, views(h.registry.ListToday()))
	case c.Query("week") == "1":
		response.OK(c, views(h.registry.ListThisWeek()))
	default:
		response.OK(c, views(h.registry.All()))
	}
}

// Create handles POST /sessions (therapist or admin).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	startsAt, err := time.Parse(time.RFC3339, req.StartsAt)
	if err != nil {
		response.BadRequest(c, "invalid starts_at")
		return
	}
	hostID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	hostName, _ := c.Get(middleware.ContextUserName)
	name, _ := hostName.(string)

	id, err := h.registry.Create(c.Request.Context(), CreateParams{
		Kind:            models.SessionKind(req.Kind),
		Title:           req.Title,
		Description:     req.Description,
		HostID:          hostID,
		HostName:        name,
		StartsAt:        startsAt,
		DurationMinutes: req.DurationMinutes,
		MaxParticipants: req.MaxParticipants,
	})
	if err != nil {
		var verr ValidationError
		if errors.As(err, &verr) {
			response.BadRequest(c, verr.Error())
			return
		}
		response.Internal(c, "failed to create session")
		return
	}
	s, _ := h.registry.Get(id)
	response.Created(c, view(s))
}

// GetByID handles GET /sessions/:id.
func (h *Handler) GetByID(c *gin.Context) {
	s, ok := h.sessionFromParam(c)
	if !ok {
		return
	}
	response.OK(c, view(s))
}

// Update handles PATCH /sessions/:id (host or admin).
func (h *Handler) Update(c *gin.Context) {
	s, ok := h.sessionFromParam(c)
	if !ok {
		return
	}
	if !h.canManage(c, s) {
		return
	}
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request")
		return
	}
	params := UpdateParams{
		Title:           req.Title,
		Description:     req.Description,
		DurationMinutes: req.DurationMinutes,
		MaxParticipants: req.MaxParticipants,
	}
	if req.StartsAt != nil {
		t, err := time.Parse(time.RFC3339, *req.StartsAt)
		if err != nil {
			response.BadRequest(c, "invalid starts_at")
			return
		}
		params.StartsAt = &t
	}
	h.registry.Update(c.Request.Context(), s.ID, params)
	updated, _ := h.registry.Get(s.ID)
	response.OK(c, view(updated))
}

// Cancel handles POST /sessions/:id/cancel (host or admin). Cancellation is
// a status change, not a delete; the session stays listed.
func (h *Handler) Cancel(c *gin.Context) {
	s, ok := h.sessionFromParam(c)
	if !ok {
		return
	}
	if !h.canManage(c, s) {
		return
	}
	status := models.StatusCancelled
	h.registry.Update(c.Request.Context(), s.ID, UpdateParams{Status: &status})
	updated, _ := h.registry.Get(s.ID)
	response.OK(c, view(updated))
}

// Delete handles DELETE /sessions/:id (host or admin).
func (h *Handler) Delete(c *gin.Context) {
	s, ok := h.sessionFromParam(c)
	if !ok {
		return
	}
	if !h.canManage(c, s) {
		return
	}
	if s.ThumbnailKey != "" && h.thumbnails != nil {
		if err := h.thumbnails.Delete(c.Request.Context(), s.ThumbnailKey); err != nil {
			h.logger.Warn("thumbnail delete failed", zap.String("session_id", s.ID.String()), zap.Error(err))
		}
	}
	h.registry.Remove(c.Request.Context(), s.ID)
	response.NoContent(c)
}

// GetAvailability handles GET /sessions/:id/availability.
func (h *Handler) GetAvailability(c *gin.Context) {
	s, ok := h.sessionFromParam(c)
	if !ok {
		return
	}
	response.OK(c, Availability(s))
}

// Join handles POST /sessions/:id/join.
func (h *Handler) Join(c *gin.Context) {
	s, ok := h.sessionFromParam(c)
	if !ok {
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	ctrl, err := h.orch.JoinSession(c.Request.Context(), userID, s.ID)
	if err != nil {
		switch {
		case errors.Is(err, ErrJoinWindow):
			response.Forbidden(c, err.Error())
		case errors.Is(err, ErrSessionNotFound):
			response.NotFound(c, "session not found")
		default:
			// Join stands; call startup failed. The snapshot carries the
			// user-facing reason (media access, device busy, ...).
			response.OK(c, gin.H{"call": ctrl.Snapshot(), "error": media.UserMessage(err)})
		}
		return
	}
	response.OK(c, gin.H{"call": ctrl.Snapshot()})
}

// Leave handles POST /sessions/leave.
func (h *Handler) Leave(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	h.orch.LeaveSession(c.Request.Context(), userID)
	response.NoContent(c)
}

// CallState handles GET /call/state.
func (h *Handler) CallState(c *gin.Context) {
	ctrl, ok := h.activeCall(c)
	if !ok {
		return
	}
	response.OK(c, ctrl.Snapshot())
}

// ToggleMute handles POST /call/mute.
func (h *Handler) ToggleMute(c *gin.Context) {
	ctrl, ok := h.activeCall(c)
	if !ok {
		return
	}
	response.OK(c, gin.H{"muted": ctrl.ToggleMute()})
}

// ToggleVideo handles POST /call/video.
func (h *Handler) ToggleVideo(c *gin.Context) {
	ctrl, ok := h.activeCall(c)
	if !ok {
		return
	}
	response.OK(c, gin.H{"video_enabled": ctrl.ToggleVideo()})
}

// ToggleScreenShare handles POST /call/screen-share. On failure the camera
// keeps publishing and the error is reported alongside the unchanged flag.
func (h *Handler) ToggleScreenShare(c *gin.Context) {
	ctrl, ok := h.activeCall(c)
	if !ok {
		return
	}
	sharing, err := ctrl.ToggleScreenShare()
	if err != nil {
		response.OK(c, gin.H{"screen_sharing": sharing, "error": media.UserMessage(err)})
		return
	}
	response.OK(c, gin.H{"screen_sharing": sharing})
}

// SendMessage handles POST /call/message: ships a payload over the call's
// data channel. Best effort.
func (h *Handler) SendMessage(c *gin.Context) {
	ctrl, ok := h.activeCall(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 64<<10))
	if err != nil || len(body) == 0 {
		response.BadRequest(c, "empty message body")
		return
	}
	ctrl.SendMessage(body)
	response.NoContent(c)
}

// EndCall handles POST /call/end.
func (h *Handler) EndCall(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	h.orch.EndCall(userID)
	response.NoContent(c)
}

// UploadThumbnail handles POST /sessions/:id/thumbnail (host or admin,
// multipart field "file").
func (h *Handler) UploadThumbnail(c *gin.Context) {
	if h.thumbnails == nil {
		response.ServiceUnavailable(c, "thumbnail storage not configured")
		return
	}
	s, ok := h.sessionFromParam(c)
	if !ok {
		return
	}
	if !h.canManage(c, s) {
		return
	}
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		response.BadRequest(c, "missing file")
		return
	}
	defer file.Close()

	if header.Size > storage.MaxThumbnailSize {
		response.BadRequest(c, "thumbnail exceeds the 5MB limit")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if !storage.ValidateImageType(contentType, header.Filename) {
		response.BadRequest(c, "unsupported image type (jpeg, png or webp)")
		return
	}

	key := storage.ThumbnailKey(s.ID.String())
	if err := h.thumbnails.Upload(c.Request.Context(), key, file, contentType); err != nil {
		h.logger.Error("thumbnail upload failed", zap.String("session_id", s.ID.String()), zap.Error(err))
		response.Internal(c, "failed to store thumbnail")
		return
	}
	h.registry.Update(c.Request.Context(), s.ID, UpdateParams{ThumbnailKey: &key})
	response.Created(c, gin.H{"thumbnail_key": key})
}

// GetThumbnail handles GET /sessions/:id/thumbnail: returns a short-lived
// presigned URL.
func (h *Handler) GetThumbnail(c *gin.Context) {
	if h.thumbnails == nil {
		response.ServiceUnavailable(c, "thumbnail storage not configured")
		return
	}
	s, ok := h.sessionFromParam(c)
	if !ok {
		return
	}
	if s.ThumbnailKey == "" {
		response.NotFound(c, "session has no thumbnail")
		return
	}
	url, err := h.thumbnails.PresignGet(c.Request.Context(), s.ThumbnailKey, 15*time.Minute)
	if err != nil {
		response.Internal(c, "failed to sign thumbnail url")
		return
	}
	response.OK(c, gin.H{"url": url})
}

func (h *Handler) sessionFromParam(c *gin.Context) (models.Session, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return models.Session{}, false
	}
	s, ok := h.registry.Get(id)
	if !ok {
		response.NotFound(c, "session not found")
		return models.Session{}, false
	}
	return s, true
}

func (h *Handler) canManage(c *gin.Context, s models.Session) bool {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	role, _ := c.Get(middleware.ContextUserRole)
	if s.HostID == userID || role == string(models.RoleAdmin) {
		return true
	}
	response.Forbidden(c, "only the host can manage this session")
	return false
}

func (h *Handler) activeCall(c *gin.Context) (*rtc.Controller, bool) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	ctrl, ok := h.orch.CallFor(userID)
	if !ok {
		response.NotFound(c, "no active call")
		return nil, false
	}
	return ctrl, true
}
