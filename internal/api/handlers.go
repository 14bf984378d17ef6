package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/momentable/keepsake/internal/db"
	"github.com/momentable/keepsake/internal/models"
	"github.com/momentable/keepsake/internal/queue"
	"github.com/momentable/keepsake/internal/services"
	"github.com/momentable/keepsake/internal/storage"
)

// maxPhotosPerOrder caps how many photos one order may contain. Each photo
// becomes one generation call, so this also bounds per-order provider cost.
const maxPhotosPerOrder = 10

type Handler struct {
	db       *db.DB
	queue    *queue.Queue
	storage  *storage.Storage
	payments *services.PaymentService
	notify   *services.NotifyService
}

func NewHandler(database *db.DB, q *queue.Queue, stor *storage.Storage, payments *services.PaymentService, notify *services.NotifyService) *Handler {
	return &Handler{
		db:       database,
		queue:    q,
		storage:  stor,
		payments: payments,
		notify:   notify,
	}
}

// CreateOrder handles POST /api/orders
//
// Duplicate protection: a phone number with an order currently PROCESSING is
// rejected. A customer with an unfinished PAID order (paid, nothing uploaded)
// gets that order back with fresh upload URLs instead of a new one.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req models.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerPhone = strings.TrimSpace(req.CustomerPhone)

	if req.CustomerName == "" {
		respondError(w, http.StatusBadRequest, "Customer name is required")
		return
	}
	if req.CustomerPhone == "" {
		respondError(w, http.StatusBadRequest, "Customer phone is required")
		return
	}
	if req.PhotoCount < 1 || req.PhotoCount > maxPhotosPerOrder {
		respondError(w, http.StatusBadRequest, "Photo count must be between 1 and 10")
		return
	}

	// Don't let one phone number pile up concurrent renders
	busy, err := h.db.HasProcessingOrderForPhone(r.Context(), req.CustomerPhone, time.Now().Add(-24*time.Hour))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to check existing orders")
		return
	}
	if busy {
		respondError(w, http.StatusConflict, "An order for this phone number is already being processed")
		return
	}

	// Resume an unfinished paid order instead of creating a duplicate
	existing, err := h.db.FindResumableOrder(r.Context(), req.CustomerPhone, req.CustomerName)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusInternalServerError, "Failed to check existing orders")
		return
	}
	if existing != nil {
		uploads, err := h.storage.GenerateUploadInfos(existing.ID, req.PhotoCount)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to generate upload URLs")
			return
		}
		respondJSON(w, http.StatusOK, models.CreateOrderResponse{
			OrderID:              existing.ID,
			Amount:               existing.Amount,
			PresignedUploads:     uploads,
			IsExistingOrder:      true,
			ExistingCustomerName: &existing.CustomerName,
		})
		return
	}

	orderID := uuid.New()
	order := &models.Order{
		ID:            orderID,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		CustomerEmail: req.CustomerEmail,
		Amount:        models.DefaultAmount,
		Status:        models.OrderStatusPending,
		PhotoCount:    req.PhotoCount,
		BGMTrack:      models.DefaultBGMTrack,
		InputPrefix:   storage.InputPrefix(orderID),
	}

	if err := h.db.CreateOrder(r.Context(), order); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create order")
		return
	}

	for i := 0; i < req.PhotoCount; i++ {
		photo := &models.Photo{
			ID:         uuid.New(),
			OrderID:    orderID,
			StorageKey: storage.PhotoKey(orderID, i),
			SortOrder:  i,
		}
		if err := h.db.CreatePhoto(r.Context(), photo); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to create photo records")
			return
		}
	}

	uploads, err := h.storage.GenerateUploadInfos(orderID, req.PhotoCount)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate upload URLs")
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateOrderResponse{
		OrderID:          orderID,
		Amount:           order.Amount,
		PresignedUploads: uploads,
	})
}

// GetOrderStatus handles GET /api/orders/{id}/status
func (h *Handler) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}

	resp := models.OrderStatusResponse{
		OrderID:    order.ID,
		Status:     order.Status,
		PhotoCount: order.PhotoCount,
		UpdatedAt:  order.UpdatedAt,
	}
	if order.DownloadURL != nil && order.DownloadExpiresAt != nil && order.DownloadExpiresAt.After(time.Now()) {
		resp.DownloadURL = *order.DownloadURL
	}

	respondJSON(w, http.StatusOK, resp)
}

// GetUploadURLs handles GET /api/orders/{id}/upload-urls
// Re-issues presigned PUT URLs, e.g. when the originals expired mid-upload.
func (h *Handler) GetUploadURLs(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}

	if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusPaid {
		respondError(w, http.StatusConflict, "Order no longer accepts uploads")
		return
	}

	uploads, err := h.storage.GenerateUploadInfos(order.ID, order.PhotoCount)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate upload URLs")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"order_id":          order.ID,
		"presigned_uploads": uploads,
	})
}

// UploadComplete handles POST /api/orders/{id}/upload-complete
//
// The client reports which keys it actually uploaded, in display order, plus
// the intro title and BGM selection. This replaces the order's photo set and
// enqueues generation.
func (h *Handler) UploadComplete(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}

	if order.Status != models.OrderStatusPaid {
		respondError(w, http.StatusConflict, "Order must be paid before uploads can be completed")
		return
	}

	var req models.UploadCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Photos) == 0 {
		respondError(w, http.StatusBadRequest, "At least one photo is required")
		return
	}
	if len(req.Photos) > maxPhotosPerOrder {
		respondError(w, http.StatusBadRequest, "Too many photos")
		return
	}

	// Every reported key must live under this order's prefix — one order can
	// never claim another order's uploads
	prefix := storage.InputPrefix(order.ID)
	for _, p := range req.Photos {
		if !strings.HasPrefix(p.StorageKey, prefix) {
			respondError(w, http.StatusBadRequest, "Photo key does not belong to this order")
			return
		}
	}

	bgmTrack := order.BGMTrack
	if req.BGMTrack != nil && *req.BGMTrack != "" {
		if !validBGMTrack(*req.BGMTrack) {
			respondError(w, http.StatusBadRequest, "Unknown BGM track")
			return
		}
		bgmTrack = *req.BGMTrack
	}

	if _, err := h.db.ReplaceOrderPhotos(r.Context(), order.ID, req.Photos); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to save photos")
		return
	}

	if err := h.db.SetUploadSelections(r.Context(), order.ID, req.IntroTitle, bgmTrack, len(req.Photos)); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to save order selections")
		return
	}

	if err := h.queue.EnqueueGenerateVideo(r.Context(), order.ID); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			respondError(w, http.StatusServiceUnavailable, "Generation queue is full, please try again shortly")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to enqueue generation")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"order_id":    order.ID,
		"photo_count": len(req.Photos),
		"queued":      true,
	})
}

// ConfirmPayment handles POST /api/payments/confirm
//
// The frontend reports a completed payment; we verify it against the payment
// provider server-side before transitioning the order.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req models.ConfirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.PaymentID == "" {
		respondError(w, http.StatusBadRequest, "Payment id is required")
		return
	}

	order, err := h.db.GetOrder(r.Context(), req.OrderID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Order not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to load order")
		return
	}

	if order.Status != models.OrderStatusPending {
		respondError(w, http.StatusConflict, "Order is not awaiting payment")
		return
	}

	if req.Amount != order.Amount {
		respondError(w, http.StatusBadRequest, "Payment amount does not match order amount")
		return
	}

	if err := h.payments.VerifyPayment(r.Context(), req.PaymentID, order.Amount); err != nil {
		respondError(w, http.StatusPaymentRequired, "Payment verification failed")
		return
	}

	if err := h.db.MarkPaid(r.Context(), order.ID, req.PaymentID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to update order")
		return
	}

	h.notify.SendOrderConfirmation(r.Context(), order)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"order_id": order.ID,
		"status":   models.OrderStatusPaid,
	})
}

// ListBGMTracks handles GET /api/bgm
func (h *Handler) ListBGMTracks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, models.BGMCatalog)
}

// loadOrder parses the {id} URL param and fetches the order, writing the
// error response itself when anything is off.
func (h *Handler) loadOrder(w http.ResponseWriter, r *http.Request) (*models.Order, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid order id")
		return nil, false
	}

	order, err := h.db.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Order not found")
			return nil, false
		}
		respondError(w, http.StatusInternalServerError, "Failed to load order")
		return nil, false
	}

	return order, true
}

func validBGMTrack(id string) bool {
	for _, track := range models.BGMCatalog {
		if track.ID == id {
			return true
		}
	}
	return false
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
