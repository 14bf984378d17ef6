package models

import (
	"time"

	"github.com/google/uuid"
)

// Enums
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusPaid       OrderStatus = "PAID"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusFailed     OrderStatus = "FAILED"
)

// validTransitions are the only edges the order state machine may follow.
// PROCESSING → PAID is the retry rollback (admin regenerate or stuck-order
// recovery); FAILED is reachable from every non-terminal state.
var validTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusPaid, OrderStatusFailed},
	OrderStatusPaid:       {OrderStatusProcessing, OrderStatusFailed},
	OrderStatusProcessing: {OrderStatusCompleted, OrderStatusFailed, OrderStatusPaid},
}

// CanTransition reports whether moving from one order status to another is a
// legal state-machine edge.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether an order status has no outgoing edges.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusFailed
}

const (
	// DefaultAmount is the fixed price of one video order, in KRW.
	DefaultAmount = 29900

	// MaxAutoRetry is the ceiling on scheduler-driven automatic retries.
	// Manual admin retries are not bounded by it but count toward RetryCount.
	MaxAutoRetry = 2

	// DownloadExpireHours is how long a completed order's download link stays valid.
	DownloadExpireHours = 72

	DefaultBGMTrack   = "bgm_01"
	DefaultIntroTitle = "Our Precious Moments"
)

// Models

// Order is one purchase: a customer's photo set and the finished video made
// from it. Status only ever moves forward along the state machine, except
// for the explicit PROCESSING → PAID retry rollback.
type Order struct {
	ID                uuid.UUID   `json:"id"`
	CustomerName      string      `json:"customer_name"`
	CustomerPhone     string      `json:"customer_phone"`
	CustomerEmail     *string     `json:"customer_email,omitempty"`
	Amount            int         `json:"amount"`
	PaymentKey        *string     `json:"payment_key,omitempty"`
	Status            OrderStatus `json:"status"`
	PhotoCount        int         `json:"photo_count"`
	IntroTitle        *string     `json:"intro_title,omitempty"` // Title rendered into the intro clip
	BGMTrack          string      `json:"bgm_track"`             // Selected background music track id
	InputPrefix       string      `json:"input_prefix"`          // Storage prefix for uploaded photos
	OutputKey         *string     `json:"output_key,omitempty"`  // Storage key of the final video
	DownloadURL       *string     `json:"download_url,omitempty"`
	DownloadExpiresAt *time.Time  `json:"download_expires_at,omitempty"`
	AdminMemo         *string     `json:"admin_memo,omitempty"`
	RetryCount        int         `json:"retry_count"` // Automatic + manual retries combined
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Photo is one uploaded image belonging to exactly one order. SortOrder is
// assigned at upload time, unique within the order, and determines both the
// clip's storage key and the final concatenation order — never completion
// order.
type Photo struct {
	ID         uuid.UUID `json:"id"`
	OrderID    uuid.UUID `json:"order_id"`
	StorageKey string    `json:"storage_key"`
	SortOrder  int       `json:"sort_order"`
	Caption    *string   `json:"caption,omitempty"`
	ClipKey    *string   `json:"clip_key,omitempty"` // Set once the generated clip is persisted
	CreatedAt  time.Time `json:"created_at"`
}

// BGMTrackInfo describes one selectable background music track.
type BGMTrackInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Desc string `json:"desc"`
}

// BGMCatalog is the fixed set of tracks the frontend can offer.
var BGMCatalog = []BGMTrackInfo{
	{ID: "bgm_01", Name: "Calm Piano", Desc: "Quiet, sentimental piano melody"},
	{ID: "bgm_02", Name: "Warm Strings", Desc: "Moving string arrangement"},
	{ID: "bgm_03", Name: "Acoustic Guitar", Desc: "Natural, easygoing acoustic guitar"},
}

// DTOs for API requests/responses

type CreateOrderRequest struct {
	CustomerName  string  `json:"customer_name"`
	CustomerPhone string  `json:"customer_phone"`
	CustomerEmail *string `json:"customer_email,omitempty"`
	PhotoCount    int     `json:"photo_count"`
}

// PresignedUploadInfo pairs a photo slot with its presigned PUT URL.
type PresignedUploadInfo struct {
	Index      int    `json:"index"`
	UploadURL  string `json:"upload_url"`
	StorageKey string `json:"storage_key"`
}

type CreateOrderResponse struct {
	OrderID          uuid.UUID             `json:"order_id"`
	Amount           int                   `json:"amount"`
	PresignedUploads []PresignedUploadInfo `json:"presigned_uploads"`
	// Set when an unfinished PAID order for the same customer was found and
	// the response resumes it instead of creating a new one.
	IsExistingOrder      bool    `json:"is_existing_order,omitempty"`
	ExistingCustomerName *string `json:"existing_customer_name,omitempty"`
}

// UploadedPhoto is one entry of the upload-complete report.
type UploadedPhoto struct {
	StorageKey string  `json:"storage_key"`
	Caption    *string `json:"caption,omitempty"`
}

type UploadCompleteRequest struct {
	Photos     []UploadedPhoto `json:"photos"`
	IntroTitle *string         `json:"intro_title,omitempty"`
	BGMTrack   *string         `json:"bgm_track,omitempty"`
}

type ConfirmPaymentRequest struct {
	PaymentID string    `json:"payment_id"`
	OrderID   uuid.UUID `json:"order_id"`
	Amount    int       `json:"amount"`
}

type OrderStatusResponse struct {
	OrderID     uuid.UUID   `json:"order_id"`
	Status      OrderStatus `json:"status"`
	PhotoCount  int         `json:"photo_count"`
	DownloadURL string      `json:"download_url"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// AdminOrderResponse is the admin view of an order, photos included.
type AdminOrderResponse struct {
	Order
	Photos []Photo `json:"photos,omitempty"`
}

// DashboardResponse holds per-status counts for the admin dashboard.
type DashboardResponse struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Paid        int `json:"paid"`
	Processing  int `json:"processing"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Revenue     int `json:"revenue"`
	TodayOrders int `json:"today_orders"`
}
