package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/n3tuk/action-branch-deploy-lock/internal/lock"
	"github.com/n3tuk/action-branch-deploy-lock/internal/model"
)

// maxBodyBytes bounds request bodies; the largest legitimate body is a
// lock request carrying a comment.
const maxBodyBytes = 64 << 10

// LockService is the subset of *lock.Manager the handlers use.
type LockService interface {
	Acquire(ctx context.Context, req *model.LockRequest) (*model.LockResult, error)
	Release(ctx context.Context, req *model.ReleaseRequest) (*model.ReleaseResult, error)
	UnlockOnMerge(ctx context.Context, req *model.MergeRequest) *model.MergeResult
	ReleaseAfterDeploy(ctx context.Context, req *model.PostDeployRequest) (*model.PostDeployResult, error)
}

// LockHandlers provides HTTP handlers for lock operations.
type LockHandlers struct {
	locks  LockService
	logger *zap.Logger
}

// NewLockHandlers creates a new LockHandlers instance.
func NewLockHandlers(locks LockService, logger *zap.Logger) *LockHandlers {
	return &LockHandlers{
		locks:  locks,
		logger: logger,
	}
}

// Routes mounts the lock endpoints on r.
func (h *LockHandlers) Routes(r chi.Router) {
	r.Post("/lock", h.HandleLock)
	r.Get("/lock/{environment}", h.HandleGetLock)
	r.Post("/unlock", h.HandleUnlock)
	r.Post("/merge", h.HandleMerge)
	r.Post("/post-deploy", h.HandlePostDeploy)
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// HandleLock handles POST /lock requests to claim or inspect a lock.
// Returns:
//   - 200 OK: lock claimed, already owned, or reported details-only
//   - 404 Not Found: details-only request and no lock is held
//   - 409 Conflict: lock held by someone else
//   - 400 Bad Request: invalid body, scope or name
//   - 500 Internal Server Error: unreadable lock or store failure
func (h *LockHandlers) HandleLock(w http.ResponseWriter, r *http.Request) {
	var req model.LockRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.locks.Acquire(r.Context(), &req)
	if err != nil {
		h.respondFailure(w, r, "acquire", err)
		return
	}

	h.respondJSON(w, lockStatusCode(res.Status), res)
}

// HandleGetLock handles GET /lock/{environment} requests. The environment
// "global" selects the global lock and ?task= a task lock.
func (h *LockHandlers) HandleGetLock(w http.ResponseWriter, r *http.Request) {
	req := model.LockRequest{
		DetailsOnly: true,
		Task:        r.URL.Query().Get("task"),
	}
	if env := chi.URLParam(r, "environment"); strings.EqualFold(env, model.GlobalScope) {
		req.Global = true
	} else {
		req.Environment = env
	}

	res, err := h.locks.Acquire(r.Context(), &req)
	if err != nil {
		h.respondFailure(w, r, "inspect", err)
		return
	}

	h.respondJSON(w, lockStatusCode(res.Status), res)
}

// HandleUnlock handles POST /unlock requests.
// Returns:
//   - 200 OK: lock removed or no lock was set
//   - 502 Bad Gateway: the store refused to delete the lock branch
//   - 400 Bad Request: invalid body, scope or name
//   - 500 Internal Server Error: store unreachable
func (h *LockHandlers) HandleUnlock(w http.ResponseWriter, r *http.Request) {
	var req model.ReleaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.locks.Release(r.Context(), &req)
	if err != nil {
		h.respondFailure(w, r, "release", err)
		return
	}

	status := http.StatusOK
	if res.Outcome == model.ReleaseFailed {
		status = http.StatusBadGateway
	}
	h.respondJSON(w, status, res)
}

// HandleMerge handles POST /merge requests from a merged pull request and
// returns the environments whose locks were released.
func (h *LockHandlers) HandleMerge(w http.ResponseWriter, r *http.Request) {
	var req model.MergeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.PRNumber <= 0 || strings.TrimSpace(req.HeadRef) == "" {
		h.respondError(w, http.StatusBadRequest, "pr_number and head_ref are required")
		return
	}

	h.respondJSON(w, http.StatusOK, h.locks.UnlockOnMerge(r.Context(), &req))
}

// HandlePostDeploy handles POST /post-deploy requests sent once a
// deployment finishes.
func (h *LockHandlers) HandlePostDeploy(w http.ResponseWriter, r *http.Request) {
	var req model.PostDeployRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.locks.ReleaseAfterDeploy(r.Context(), &req)
	if err != nil {
		h.respondFailure(w, r, "post-deploy", err)
		return
	}

	h.respondJSON(w, http.StatusOK, res)
}

func lockStatusCode(s model.Status) int {
	switch s {
	case model.StatusDenied:
		return http.StatusConflict
	case model.StatusNone:
		return http.StatusNotFound
	default:
		return http.StatusOK
	}
}

// decode reads a JSON body into v, rejecting unknown fields. It writes
// the error response itself and reports whether decoding succeeded.
func (h *LockHandlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		h.logger.Debug("Failed to decode request body",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		if errors.Is(err, io.EOF) {
			h.respondError(w, http.StatusBadRequest, "request body is empty")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// respondFailure maps an operation error to a response. Validation errors
// are reported to the caller; anything else is logged and hidden.
func (h *LockHandlers) respondFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, lock.ErrInvalidRequest) ||
		errors.Is(err, lock.ErrInvalidEnvironment) ||
		errors.Is(err, lock.ErrInvalidName) {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := h.logger.With(
		zap.String("operation", op),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)

	var de *lock.DecodeError
	if errors.As(err, &de) {
		log.Error("Deployment lock is unreadable", zap.String("branch", de.Branch))
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Error("Lock operation failed")
	h.respondError(w, http.StatusInternalServerError, "lock operation failed")
}

func (h *LockHandlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}

func (h *LockHandlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
