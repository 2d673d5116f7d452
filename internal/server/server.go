package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lingochat/internal/app"
	"lingochat/internal/ratelimit"
	"lingochat/internal/usertoken"
	"lingochat/internal/util"
	"lingochat/pkg/domain"
	"lingochat/pkg/realtime"
	"lingochat/pkg/storage"
)

const attachmentURLTTL = 15 * time.Minute

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier
	Hub           *realtime.Hub
	Attachments   storage.AttachmentStore
	SendLimiter   *ratelimit.FixedWindowLimiter

	// TrustForwardedHeaders lets access logs honor X-Forwarded-For when the
	// service runs behind the app's edge proxy.
	TrustForwardedHeaders bool
}

// Server exposes the messaging HTTP and websocket endpoints.
type Server struct {
	app           *app.App
	tokenVerifier *usertoken.Verifier
	hub           *realtime.Hub
	attachments   storage.AttachmentStore
	sendLimiter   *ratelimit.FixedWindowLimiter
	trustProxy    bool
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		hub:           cfg.Hub,
		attachments:   cfg.Attachments,
		sendLimiter:   cfg.SendLimiter,
		trustProxy:    cfg.TrustForwardedHeaders,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler wrapped in the ambient middleware.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog(s.trustProxy, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/api/threads", s.withUser(s.handleThreads))
	s.mux.Handle("/api/threads/direct", s.withUser(s.handleCreateDirect))
	s.mux.Handle("/api/threads/", s.withUser(s.handleThreadByID))

	s.mux.Handle("/api/groups", s.withUser(s.handleGroups))
	s.mux.Handle("/api/groups/", s.withUser(s.handleGroupByID))

	s.mux.Handle("/api/invites", s.withUser(s.handleInvites))
	s.mux.Handle("/api/invites/", s.withUser(s.handleInviteByID))

	s.mux.Handle("/api/attachments", s.withUser(s.handleAttachments))

	s.mux.Handle("/ws", s.withUser(s.handleWS))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

// GET /api/threads lists the caller's threads with unread counts and previews.
func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	summaries, err := s.app.ListThreads(userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": summaries})
}

type createDirectRequest struct {
	LearnerID string `json:"learnerId"`
	TutorID   string `json:"tutorId"`
}

// POST /api/threads/direct upserts the direct thread for a learner/tutor pair.
func (s *Server) handleCreateDirect(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req createDirectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if userID != req.LearnerID && userID != req.TutorID {
		writeError(w, http.StatusForbidden, "caller must be part of the pair")
		return
	}
	thread, err := s.app.CreateDirectThread(req.LearnerID, req.TutorID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

// /api/threads/{id}/messages and /api/threads/{id}/read.
func (s *Server) handleThreadByID(w http.ResponseWriter, r *http.Request, userID string) {
	path := strings.TrimPrefix(r.URL.Path, "/api/threads/")
	parts := strings.SplitN(path, "/", 2)
	threadID := parts[0]
	if threadID == "" || len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	switch parts[1] {
	case "messages":
		switch r.Method {
		case http.MethodPost:
			s.handleSendMessage(w, r, threadID, userID)
		case http.MethodGet:
			s.handleListMessages(w, r, threadID, userID)
		default:
			methodNotAllowed(w)
		}
	case "read":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		pointer, err := s.app.MarkThreadRead(threadID, userID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pointer)
	default:
		http.NotFound(w, r)
	}
}

type sendMessageRequest struct {
	Body            string                  `json:"body"`
	ClientMessageID string                  `json:"clientMessageId"`
	Metadata        *domain.MessageMetadata `json:"metadata,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, threadID, userID string) {
	if !s.sendLimiter.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msg, err := s.app.SendMessage(threadID, userID, req.Body, req.ClientMessageID, req.Metadata)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, threadID, userID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}
	page, err := s.app.ListMessages(threadID, userID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type attachmentRequest struct {
	Ext string `json:"ext"`
}

type attachmentResponse struct {
	Key       string    `json:"key"`
	UploadURL string    `json:"uploadUrl,omitempty"`
	URL       string    `json:"url,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// POST /api/attachments issues a presigned upload slot for an audio clip;
// GET /api/attachments?key= resolves a download URL. The resulting key goes
// into message metadata, never the URL.
func (s *Server) handleAttachments(w http.ResponseWriter, r *http.Request, userID string) {
	if s.attachments == nil {
		writeError(w, http.StatusNotImplemented, "attachments not configured")
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req attachmentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		ext := strings.TrimPrefix(strings.TrimSpace(req.Ext), ".")
		if ext == "" {
			ext = "m4a"
		}
		key := "audio/" + userID + "/" + util.NewID() + "." + ext
		uploadURL, err := s.attachments.PresignPut(r.Context(), key, attachmentURLTTL)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, attachmentResponse{
			Key:       key,
			UploadURL: uploadURL,
			ExpiresAt: time.Now().UTC().Add(attachmentURLTTL),
		})
	case http.MethodGet:
		key := strings.TrimSpace(r.URL.Query().Get("key"))
		if key == "" {
			writeError(w, http.StatusBadRequest, "key is required")
			return
		}
		url, err := s.attachments.PresignGet(r.Context(), key, attachmentURLTTL)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, attachmentResponse{
			Key:       key,
			URL:       url,
			ExpiresAt: time.Now().UTC().Add(attachmentURLTTL),
		})
	default:
		methodNotAllowed(w)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrNotParticipant), errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrThreadNotFound), errors.Is(err, app.ErrInviteNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrInviteNotPending):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("internal error", "path", r.URL.Path, "request_id", util.RequestIDFromRequest(r), "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	// Websocket clients cannot set headers from the browser; accept the
	// token as a query parameter there.
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, true
	}
	return "", false
}
