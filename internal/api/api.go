/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi_rooms/internal/audit"
	"github.com/friendsincode/bragi_rooms/internal/auth"
	"github.com/friendsincode/bragi_rooms/internal/events"
	"github.com/friendsincode/bragi_rooms/internal/logbuffer"
	"github.com/friendsincode/bragi_rooms/internal/models"
	"github.com/friendsincode/bragi_rooms/internal/scheduler"
)

// Bus is the pub/sub surface the API consumes for the events stream and
// audit notifications.
type Bus interface {
	Subscribe(eventType events.EventType) events.Subscriber
	Publish(eventType events.EventType, payload events.Payload)
	Unsubscribe(eventType events.EventType, sub events.Subscriber)
}

// API exposes HTTP handlers.
type API struct {
	db        *gorm.DB
	jwtSecret []byte
	scheduler *scheduler.Service
	auditSvc  *audit.Service
	bus       Bus
	logBuffer *logbuffer.Buffer
	defaults  scheduler.RoomDefaults
	logger    zerolog.Logger
}

// New creates the API router wrapper.
func New(db *gorm.DB, jwtSecret []byte, sched *scheduler.Service, auditSvc *audit.Service, bus Bus, logBuf *logbuffer.Buffer, defaults scheduler.RoomDefaults, logger zerolog.Logger) *API {
	return &API{
		db:        db,
		jwtSecret: jwtSecret,
		scheduler: sched,
		auditSvc:  auditSvc,
		bus:       bus,
		logBuffer: logBuf,
		defaults:  defaults,
		logger:    logger,
	}
}

// Routes mounts all API endpoints.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Group(func(pr chi.Router) {
			pr.Use(a.authMiddleware())

			pr.Route("/rooms", func(r chi.Router) {
				r.Get("/", a.handleRoomsList)
				r.With(a.requireRoles(models.RoleAdmin, models.RoleModerator)).Post("/", a.handleRoomsCreate)

				r.Route("/{roomID}", func(r chi.Router) {
					r.Get("/", a.handleRoomsGet)
					r.Get("/state", a.handleStateGet)
					r.Get("/history", a.handleHistoryList)
					r.Get("/quota", a.handleQuotaGet)
					r.Get("/events", a.handleEvents)

					r.Route("/queue", func(r chi.Router) {
						r.Get("/", a.handleQueueList)
						r.Post("/", a.handleSubmit)
						r.Delete("/{trackID}", a.handleRemove)
					})

					r.Post("/advance", a.handleAdvance)
					r.Post("/pause", a.handlePause)
					r.Post("/resume", a.handleResume)

					r.Post("/tracks/{trackID}/reactions", a.handleReact)

					r.Route("/fallback", func(r chi.Router) {
						r.Get("/", a.handleFallbackList)
						r.With(a.requireRoles(models.RoleAdmin, models.RoleModerator)).Put("/", a.handleFallbackLoad)
					})

					r.Route("/mutes", func(r chi.Router) {
						r.Use(a.requireRoles(models.RoleAdmin, models.RoleModerator))
						r.Post("/{userID}", a.handleMute)
						r.Delete("/{userID}", a.handleUnmute)
					})

					r.With(a.requireRoles(models.RoleAdmin, models.RoleModerator)).Get("/audit", a.handleAuditList)
				})
			})

			pr.Route("/apikeys", func(r chi.Router) {
				r.Get("/", a.handleAPIKeysList)
				r.With(a.requireRoles(models.RoleAdmin)).Post("/", a.handleAPIKeysCreate)
				r.Delete("/{keyID}", a.handleAPIKeysRevoke)
			})

			pr.With(a.requireRoles(models.RoleAdmin)).Get("/logs", a.handleLogs)
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- rooms ----

type createRoomRequest struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	MaxPerContributor int    `json:"max_per_contributor"`
	FallbackEnabled   *bool  `json:"fallback_enabled"`
	MuteDurationSec   int    `json:"mute_duration_sec"`
}

func (a *API) handleRoomsCreate(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	room, err := a.scheduler.CreateRoom(r.Context(), scheduler.RoomParams{
		Name:              req.Name,
		Description:       req.Description,
		MaxPerContributor: req.MaxPerContributor,
		FallbackEnabled:   req.FallbackEnabled,
		MuteDuration:      time.Duration(req.MuteDurationSec) * time.Second,
	}, a.defaults)
	if err != nil {
		a.writeSchedulerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, room)
}

func (a *API) handleRoomsList(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.scheduler.ListRooms(r.Context())
	if err != nil {
		a.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (a *API) handleRoomsGet(w http.ResponseWriter, r *http.Request) {
	room, err := a.scheduler.GetRoom(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		a.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// ---- playback ----

type submitRequest struct {
	SourceRef  string `json:"source_ref"`
	Dedication string `json:"dedication"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	res, err := a.scheduler.Submit(r.Context(), chi.URLParam(r, "roomID"), claims.UserID, req.SourceRef, req.Dedication)
	if err != nil {
		a.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleAdvance(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	res, err := a.scheduler.Advance(r.Context(), chi.URLParam(r, "roomID"), claims.UserID)
	if err != nil {
		a.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleRemove(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	moderator := claims.HasRole(string(models.RoleAdmin)) || claims.HasRole(string(models.RoleModerator))
	err := a.scheduler.Remove(r.Context(), chi.URLParam(r, "roomID"), chi.URLParam(r, "trackID"), claims.UserID, moderator)
	if err != nil {
		a.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type reactRequest struct {
	Kind string `json:"kind"`
}

func (a *API) handleReact(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req reactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	res, err := a.scheduler.React(r.Context(), chi.URLParam(r, "roomID"), chi.URLParam(r, "trackID"), claims.UserID, models.ReactionKind(req.Kind))
	if err != nil {
		a.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"like_count":    res.LikeCount,
		"dislike_count": res.DislikeCount,
	})
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	a.handlePlaybackToggle(w, r, a.scheduler.Pause)
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	a.handlePlaybackToggle(w, r, a.scheduler.Resume)
}

func (a *API) handlePlaybackToggle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, roomID, userID string) error) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := op(r.Context(), chi.URLParam(r, "roomID"), claims.UserID); err != nil {
		a.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ---- reads ----

func (a *API) handleStateGet(w http.ResponseWriter, r *http.Request) {
	state, err := a.scheduler.GetState(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		a.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *API) handleQueueList(w http.ResponseWriter, r *http.Request) {
	items, err := a.scheduler.GetQueue(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		a.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": items})
}

func (a *API) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := a.scheduler.GetHistory(r.Context(), chi.URLParam(r, "roomID"), limit)
	if err != nil {
		a.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": rows})
}

func (a *API) handleFallbackList(w http.ResponseWriter, r *http.Request) {
	items, err := a.scheduler.GetFallback(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		a.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fallback": items})
}

type fallbackLoadRequest struct {
	Tracks []scheduler.FallbackTrack `json:"tracks"`
}

func (a *API) handleFallbackLoad(w http.ResponseWriter, r *http.Request) {
	var req fallbackLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	count, err := a.scheduler.LoadFallback(r.Context(), chi.URLParam(r, "roomID"), req.Tracks)
	if err != nil {
		a.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"loaded": count})
}

func (a *API) handleQuotaGet(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	quota, err := a.scheduler.GetQuota(r.Context(), chi.URLParam(r, "roomID"), claims.UserID)
	if err != nil {
		if scheduler.IsCode(err, scheduler.CodeNotFound) {
			// No submissions yet: an empty quota, not an error.
			writeJSON(w, http.StatusOK, map[string]any{"queued_count": 0, "total_plays": 0, "muted": false})
			return
		}
		a.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quota)
}

// ---- moderation ----

type muteRequest struct {
	DurationSec int `json:"duration_sec"`
}

func (a *API) handleMute(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	var req muteRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}
	}

	err := a.scheduler.Mute(r.Context(), chi.URLParam(r, "roomID"), chi.URLParam(r, "userID"),
		time.Duration(req.DurationSec)*time.Second, claims.UserID)
	if err != nil {
		a.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) handleUnmute(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	err := a.scheduler.Unmute(r.Context(), chi.URLParam(r, "roomID"), chi.URLParam(r, "userID"), claims.UserID)
	if err != nil {
		a.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	filters := audit.QueryFilters{RoomID: &roomID, Limit: limit}
	if action := r.URL.Query().Get("action"); action != "" {
		filters.Action = &action
	}

	logs, total, err := a.auditSvc.Query(r.Context(), filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "total": total})
}

// ---- api keys ----

type createAPIKeyRequest struct {
	Name       string   `json:"name"`
	Roles      []string `json:"roles"`
	ExpiresDay int      `json:"expires_days"`
}

func (a *API) handleAPIKeysCreate(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.ExpiresDay <= 0 {
		req.ExpiresDay = 90
	}
	if len(req.Roles) == 0 {
		req.Roles = []string{string(models.RoleListener)}
	}

	plaintext, key, err := auth.GenerateAPIKey(claims.UserID, req.Name, req.Roles, time.Duration(req.ExpiresDay)*24*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "keygen_failed")
		return
	}
	if err := a.db.WithContext(r.Context()).Create(key).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "storage_failed")
		return
	}

	if a.bus != nil {
		a.bus.Publish(events.EventAuditAPIKeyCreate, events.Payload{"user_id": claims.UserID, "key_id": key.ID})
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         key.ID,
		"key":        plaintext, // shown once
		"key_prefix": key.KeyPrefix,
		"expires_at": key.ExpiresAt,
	})
}

func (a *API) handleAPIKeysList(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	keys, err := auth.ListAPIKeys(a.db, claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query_failed")
		return
	}
	// Hashes never leave the server.
	for i := range keys {
		keys[i].KeyHash = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (a *API) handleAPIKeysRevoke(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	if err := auth.RevokeAPIKey(a.db, chi.URLParam(r, "keyID"), claims.UserID); err != nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	if a.bus != nil {
		a.bus.Publish(events.EventAuditAPIKeyRevoke, events.Payload{"user_id": claims.UserID, "key_id": chi.URLParam(r, "keyID")})
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ---- logs ----

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeError(w, http.StatusNotFound, "log_buffer_disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": a.logBuffer.Recent(limit)})
}

// ---- helpers ----

func (a *API) authMiddleware() func(http.Handler) http.Handler {
	return auth.MiddlewareWithJWT(a.db, a.jwtSecret)
}

func (a *API) requireRoles(allowed ...models.RoleName) func(http.Handler) http.Handler {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, role := range allowed {
		allowedSet[string(role)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			for _, role := range claims.Roles {
				if _, exists := allowedSet[role]; exists {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "insufficient_role")
		})
	}
}

// writeSchedulerError maps the scheduler error taxonomy to HTTP statuses.
func (a *API) writeSchedulerError(w http.ResponseWriter, err error) {
	schedErr, ok := scheduler.AsError(err)
	if !ok {
		a.logger.Error().Err(err).Msg("unexpected scheduler error")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	body := map[string]any{"error": string(schedErr.Code), "message": schedErr.Message}
	var status int
	switch schedErr.Code {
	case scheduler.CodeInvalidReference:
		status = http.StatusBadRequest
	case scheduler.CodeContributorMuted:
		status = http.StatusTooManyRequests
		body["mute_remaining_sec"] = int(schedErr.MuteRemaining.Seconds())
	case scheduler.CodeQuotaExceeded:
		status = http.StatusTooManyRequests
		body["quota_cap"] = schedErr.QuotaCap
	case scheduler.CodeNotFound:
		status = http.StatusNotFound
	case scheduler.CodeForbidden:
		status = http.StatusForbidden
	case scheduler.CodeStorage:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
