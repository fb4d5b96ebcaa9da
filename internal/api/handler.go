package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/quiethours/internal/db"
	"github.com/lalithlochan/quiethours/internal/metrics"
	"github.com/lalithlochan/quiethours/internal/redis"
	"github.com/lalithlochan/quiethours/internal/sqs"
	"github.com/lalithlochan/quiethours/internal/worker"
)

// Identity headers set by the auth proxy in front of the gateway.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
)

// BlockRepository is the block store surface the API uses.
type BlockRepository interface {
	CreateBlock(ctx context.Context, b *db.Block) error
	GetBlock(ctx context.Context, id uuid.UUID) (*db.Block, error)
	ListBlocksByUser(ctx context.Context, userID string, limit, offset int) ([]*db.Block, error)
	Reschedule(ctx context.Context, id uuid.UUID, start, staleBefore time.Time) (*db.Block, error)
	SetRecipient(ctx context.Context, id uuid.UUID, email string) (*db.Block, error)
}

// Dispatcher runs the dispatch core inline. Implemented by *worker.Worker.
type Dispatcher interface {
	RunPass(ctx context.Context) (worker.Summary, error)
	RunBlock(ctx context.Context, id uuid.UUID) (worker.Summary, error)
}

// TriggerQueue hands dispatch work to the notifier. Implemented by
// *sqs.Producer.
type TriggerQueue interface {
	EnqueueTrigger(ctx context.Context, t sqs.Trigger) (string, error)
}

// BlockRequest is the body of POST /v1/blocks.
type BlockRequest struct {
	Title     *string    `json:"title,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	UserEmail *string    `json:"user_email,omitempty"`
}

// RescheduleRequest is the body of POST /v1/blocks/{id}/reschedule. A
// missing start_time means now plus the reminder lead time.
type RescheduleRequest struct {
	StartTime *time.Time `json:"start_time,omitempty"`
}

// RecipientRequest is the body of POST /v1/blocks/{id}/email.
type RecipientRequest struct {
	Email string `json:"email"`
}

type BlockResponse struct {
	ID string `json:"id"`
}

// TriggerResponse is returned when work was queued instead of run inline.
type TriggerResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type Handler struct {
	logger      *zap.Logger
	repo        BlockRepository
	dispatcher  Dispatcher
	idempotency *redis.IdempotencyService // nil if Redis not configured
	queue       TriggerQueue              // nil means dispatch inline
	leadTime    time.Duration
	claimLease  time.Duration
	now         func() time.Time
}

func NewHandler(logger *zap.Logger, repo BlockRepository, dispatcher Dispatcher) *Handler {
	return &Handler{
		logger:     logger,
		repo:       repo,
		dispatcher: dispatcher,
		leadTime:   10 * time.Minute,
		claimLease: 15 * time.Minute,
		now:        time.Now,
	}
}

func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

func (h *Handler) WithQueue(q TriggerQueue) *Handler {
	h.queue = q
	return h
}

// WithLeadTime sets the default offset used by reschedule.
func (h *Handler) WithLeadTime(d time.Duration) *Handler {
	if d > 0 {
		h.leadTime = d
	}
	return h
}

// WithClaimLease sets how old a claim must be before reschedule may reopen it.
func (h *Handler) WithClaimLease(d time.Duration) *Handler {
	if d > 0 {
		h.claimLease = d
	}
	return h
}

// Register mounts the block and dispatch routes on r (the /v1 subrouter).
func (h *Handler) Register(r chi.Router) {
	r.Post("/blocks", h.CreateBlock)
	r.Get("/blocks", h.ListBlocks)
	r.Get("/blocks/{id}", h.GetBlock)
	r.Post("/blocks/{id}/notify", h.NotifyBlock)
	r.Post("/blocks/{id}/reschedule", h.RescheduleBlock)
	r.Post("/blocks/{id}/email", h.SetBlockEmail)
	r.Post("/dispatch/run", h.RunDispatch)
}

// CreateBlock handles POST /v1/blocks.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, "unauthenticated", "Missing user identity", HeaderUserID+" header is required")
		return
	}

	var req BlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.StartTime.IsZero() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing start_time", "start_time is required")
		return
	}
	if req.EndTime != nil && !req.EndTime.After(req.StartTime) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid end_time", "end_time must be after start_time")
		return
	}

	// The address is snapshotted at creation; later profile changes do not
	// follow the block.
	email := req.UserEmail
	if email == nil {
		if hdr := strings.TrimSpace(r.Header.Get(HeaderUserEmail)); hdr != "" {
			email = &hdr
		}
	}
	if email != nil && !strings.Contains(*email, "@") {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_email", "user_email must be an email address")
		return
	}

	title := req.Title
	if title == nil || strings.TrimSpace(*title) == "" {
		t := db.DefaultTitle
		title = &t
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, userID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, BlockResponse{ID: cached.BlockID})
			return
		}
	}

	block := &db.Block{
		ID:        uuid.New(),
		UserID:    userID,
		UserEmail: email,
		Title:     title,
		StartTime: req.StartTime.UTC(),
		EndTime:   req.EndTime,
	}

	if err := h.repo.CreateBlock(ctx, block); err != nil {
		h.logger.Error("failed to create block",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		if idempotencyKey != "" && h.idempotency != nil {
			_ = h.idempotency.Release(ctx, userID, idempotencyKey)
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create block", "")
		return
	}

	metrics.RecordBlockCreated()
	h.logger.Info("block created",
		zap.String("block_id", block.ID.String()),
		zap.String("user_id", userID),
		zap.Time("start_time", block.StartTime),
		zap.Bool("has_email", email != nil),
	)

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			BlockID:    block.ID.String(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, userID, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, BlockResponse{ID: block.ID.String()})
}

// GetBlock handles GET /v1/blocks/{id}
func (h *Handler) GetBlock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.blockID(w, r)
	if !ok {
		return
	}

	block, err := h.repo.GetBlock(r.Context(), id)
	if err != nil {
		h.writeRepoError(w, err, "get", id)
		return
	}

	h.writeJSON(w, http.StatusOK, block)
}

// ListBlocks handles GET /v1/blocks?user_id=xxx&limit=20&offset=0.
// user_id defaults to the caller.
func (h *Handler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.Header.Get(HeaderUserID)
	}
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id query parameter is required")
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	blocks, err := h.repo.ListBlocksByUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list blocks",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list blocks", "")
		return
	}
	if blocks == nil {
		blocks = []*db.Block{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   blocks,
		"limit":  limit,
		"offset": offset,
		"count":  len(blocks),
	})
}

// NotifyBlock handles POST /v1/blocks/{id}/notify: force-process one block
// regardless of the selection window.
func (h *Handler) NotifyBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.blockID(w, r)
	if !ok {
		return
	}

	block, err := h.repo.GetBlock(ctx, id)
	if err != nil {
		h.writeRepoError(w, err, "get", id)
		return
	}
	if block.Notified {
		h.writeError(w, http.StatusConflict, "already_notified", "Block already claimed",
			"the reminder for this block was already sent or is in flight")
		return
	}

	if h.queue != nil {
		h.enqueue(w, r, sqs.Trigger{Kind: sqs.TriggerBlock, BlockID: id.String()})
		return
	}

	summary, err := h.dispatcher.RunBlock(ctx, id)
	h.writeSummary(w, summary, err)
}

// RescheduleBlock handles POST /v1/blocks/{id}/reschedule. It moves the start
// time and reopens the block for notification unless the reminder was
// already delivered.
func (h *Handler) RescheduleBlock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.blockID(w, r)
	if !ok {
		return
	}

	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	start := h.now().Add(h.leadTime).UTC()
	if req.StartTime != nil {
		start = req.StartTime.UTC()
	}

	block, err := h.repo.Reschedule(r.Context(), id, start, h.now().Add(-h.claimLease).UTC())
	if err != nil {
		if errors.Is(err, db.ErrAlreadyDelivered) {
			h.writeError(w, http.StatusConflict, "already_delivered", "Reminder already delivered",
				"a delivered block cannot be reopened")
			return
		}
		if errors.Is(err, db.ErrClaimInFlight) {
			h.writeError(w, http.StatusConflict, "claim_in_flight", "Reminder in flight",
				"a dispatch run holds this block; retry after the claim lease expires")
			return
		}
		h.writeRepoError(w, err, "reschedule", id)
		return
	}

	h.logger.Info("block rescheduled",
		zap.String("block_id", id.String()),
		zap.Time("start_time", start),
	)

	h.writeJSON(w, http.StatusOK, block)
}

// SetBlockEmail handles POST /v1/blocks/{id}/email: backfill the reminder
// address of a block created without one.
func (h *Handler) SetBlockEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.blockID(w, r)
	if !ok {
		return
	}

	var req RecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	email := strings.TrimSpace(req.Email)
	if !strings.Contains(email, "@") {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid email", "email must be an email address")
		return
	}

	block, err := h.repo.SetRecipient(r.Context(), id, email)
	if err != nil {
		if errors.Is(err, db.ErrAlreadyNotified) {
			h.writeError(w, http.StatusConflict, "already_notified", "Block already claimed",
				"the recipient of a claimed block cannot change")
			return
		}
		h.writeRepoError(w, err, "set_recipient", id)
		return
	}

	h.logger.Info("block recipient updated", zap.String("block_id", id.String()))
	h.writeJSON(w, http.StatusOK, block)
}

// RunDispatch handles POST /v1/dispatch/run: one windowed pass.
func (h *Handler) RunDispatch(w http.ResponseWriter, r *http.Request) {
	if h.queue != nil {
		h.enqueue(w, r, sqs.Trigger{Kind: sqs.TriggerPass})
		return
	}

	summary, err := h.dispatcher.RunPass(r.Context())
	h.writeSummary(w, summary, err)
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, t sqs.Trigger) {
	t.RequestedBy = r.Header.Get(HeaderUserID)

	msgID, err := h.queue.EnqueueTrigger(r.Context(), t)
	if err != nil {
		h.logger.Error("failed to enqueue trigger",
			zap.Error(err),
			zap.String("kind", string(t.Kind)),
			zap.String("block_id", t.BlockID),
		)
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue dispatch", "")
		return
	}

	metrics.RecordTriggerEnqueued(string(t.Kind))
	h.writeJSON(w, http.StatusAccepted, TriggerResponse{Status: "queued", MessageID: msgID})
}

func (h *Handler) writeSummary(w http.ResponseWriter, summary worker.Summary, err error) {
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, summary)
	case errors.Is(err, worker.ErrDeliveryFailed):
		h.writeJSON(w, http.StatusBadGateway, summary)
	default:
		h.logger.Error("dispatch failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Dispatch failed", err.Error())
	}
}

func (h *Handler) blockID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid block ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeRepoError(w http.ResponseWriter, err error, op string, id uuid.UUID) {
	if errors.Is(err, db.ErrBlockNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Block not found", "")
		return
	}
	h.logger.Error("block store error",
		zap.Error(err),
		zap.String("op", op),
		zap.String("block_id", id.String()),
	)
	h.writeError(w, http.StatusInternalServerError, "database_error", "Block store unavailable", "")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
