package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/momentable/keepsake/internal/models"
)

// Admin endpoints — API-key protected operator surface.

// AdminListOrders handles GET /admin/orders
// Query params:
//   - status: filter by order status (PENDING, PAID, PROCESSING, COMPLETED, FAILED)
func (h *Handler) AdminListOrders(w http.ResponseWriter, r *http.Request) {
	statusFilter := models.OrderStatus(r.URL.Query().Get("status"))
	if statusFilter != "" {
		switch statusFilter {
		case models.OrderStatusPending, models.OrderStatusPaid, models.OrderStatusProcessing,
			models.OrderStatusCompleted, models.OrderStatusFailed:
		default:
			respondError(w, http.StatusBadRequest, "Invalid status filter")
			return
		}
	}

	orders, err := h.db.ListOrders(r.Context(), statusFilter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list orders")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	})
}

// AdminGetOrder handles GET /admin/orders/{id}
func (h *Handler) AdminGetOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}

	photos, err := h.db.GetOrderPhotos(r.Context(), order.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load photos")
		return
	}

	respondJSON(w, http.StatusOK, models.AdminOrderResponse{
		Order:  *order,
		Photos: photos,
	})
}

// AdminUpdateStatus handles PUT /admin/orders/{id}/status
// Manual transitions still have to follow the state machine.
func (h *Handler) AdminUpdateStatus(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}

	var req struct {
		Status models.OrderStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !models.CanTransition(order.Status, req.Status) {
		respondError(w, http.StatusConflict,
			fmt.Sprintf("Cannot transition from %s to %s", order.Status, req.Status))
		return
	}

	if err := h.db.UpdateOrderStatus(r.Context(), order.ID, req.Status); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to update status")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"order_id": order.ID,
		"status":   req.Status,
	})
}

// AdminUpdateMemo handles PUT /admin/orders/{id}/memo
func (h *Handler) AdminUpdateMemo(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}

	var req struct {
		Memo string `json:"memo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.db.UpdateAdminMemo(r.Context(), order.ID, req.Memo); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to update memo")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"order_id": order.ID})
}

// AdminRegenerate handles POST /admin/orders/{id}/regenerate
//
// Rolls a stuck or failed order back to PAID and re-enqueues generation.
// Clips already persisted are reused, so a retry only pays for what failed.
func (h *Handler) AdminRegenerate(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}

	if order.Status != models.OrderStatusProcessing && order.Status != models.OrderStatusFailed {
		respondError(w, http.StatusConflict, "Only processing or failed orders can be regenerated")
		return
	}

	memo := fmt.Sprintf("manual regenerate by admin (attempt %d)", order.RetryCount+1)
	if err := h.db.RollbackForRetry(r.Context(), order.ID, memo); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to roll back order")
		return
	}

	if err := h.queue.EnqueueGenerateVideo(r.Context(), order.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue generation")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"order_id":    order.ID,
		"status":      models.OrderStatusPaid,
		"retry_count": order.RetryCount + 1,
	})
}

// AdminRefreshDownloadURL handles POST /admin/orders/{id}/refresh-url
// Issues a fresh presigned download link for a completed order.
func (h *Handler) AdminRefreshDownloadURL(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}

	if order.Status != models.OrderStatusCompleted || order.OutputKey == nil {
		respondError(w, http.StatusConflict, "Order has no completed video")
		return
	}

	downloadURL, err := h.storage.PresignDownload(*order.OutputKey, models.DownloadExpireHours*time.Hour)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to presign download")
		return
	}
	expiresAt := time.Now().Add(models.DownloadExpireHours * time.Hour)

	if err := h.db.SetDownloadURL(r.Context(), order.ID, downloadURL, expiresAt); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to save download URL")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"order_id":     order.ID,
		"download_url": downloadURL,
		"expires_at":   expiresAt,
	})
}

// AdminDashboard handles GET /admin/dashboard
func (h *Handler) AdminDashboard(w http.ResponseWriter, r *http.Request) {
	counts, err := h.db.CountByStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to count orders")
		return
	}

	startOfDay := time.Now().Truncate(24 * time.Hour)
	todayOrders, err := h.db.CountCreatedAfter(r.Context(), startOfDay)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to count today's orders")
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	// Revenue counts orders that actually got paid (PAID and beyond)
	paidOrders := counts[models.OrderStatusPaid] + counts[models.OrderStatusProcessing] + counts[models.OrderStatusCompleted]

	respondJSON(w, http.StatusOK, models.DashboardResponse{
		Total:       total,
		Pending:     counts[models.OrderStatusPending],
		Paid:        counts[models.OrderStatusPaid],
		Processing:  counts[models.OrderStatusProcessing],
		Completed:   counts[models.OrderStatusCompleted],
		Failed:      counts[models.OrderStatusFailed],
		Revenue:     paidOrders * models.DefaultAmount,
		TodayOrders: todayOrders,
	})
}
