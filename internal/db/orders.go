package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/momentable/keepsake/internal/models"
)

const orderColumns = `
	id, customer_name, customer_phone, customer_email, amount, payment_key,
	status, photo_count, intro_title, bgm_track, input_prefix, output_key,
	download_url, download_expires_at, admin_memo, retry_count,
	created_at, updated_at
`

func scanOrder(row interface{ Scan(...interface{}) error }, o *models.Order) error {
	return row.Scan(
		&o.ID, &o.CustomerName, &o.CustomerPhone, &o.CustomerEmail, &o.Amount,
		&o.PaymentKey, &o.Status, &o.PhotoCount, &o.IntroTitle, &o.BGMTrack,
		&o.InputPrefix, &o.OutputKey, &o.DownloadURL, &o.DownloadExpiresAt,
		&o.AdminMemo, &o.RetryCount, &o.CreatedAt, &o.UpdatedAt,
	)
}

func (db *DB) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (
			id, customer_name, customer_phone, customer_email, amount,
			status, photo_count, bgm_track, input_prefix, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		order.ID, order.CustomerName, order.CustomerPhone, order.CustomerEmail,
		order.Amount, order.Status, order.PhotoCount, order.BGMTrack,
		order.InputPrefix, order.RetryCount,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
}

func (db *DB) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order := &models.Order{}
	err := scanOrder(db.QueryRowContext(ctx, query, id), order)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	return order, nil
}

// ListOrders returns orders newest first, optionally filtered by status.
func (db *DB) ListOrders(ctx context.Context, status models.OrderStatus) ([]models.Order, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if status != "" {
		query := `SELECT ` + orderColumns + ` FROM orders WHERE status = $1 ORDER BY created_at DESC`
		rows, err = db.QueryContext(ctx, query, status)
	} else {
		query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC`
		rows, err = db.QueryContext(ctx, query)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// FindByStatusCreatedBefore is the expiry sweep query: orders still in the
// given status whose creation time is older than the cutoff.
func (db *DB) FindByStatusCreatedBefore(ctx context.Context, status models.OrderStatus, cutoff time.Time) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = $1 AND created_at < $2`

	rows, err := db.QueryContext(ctx, query, status, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// FindByStatusUpdatedBefore is the stuck-detection sweep query: orders whose
// last update is older than the cutoff.
func (db *DB) FindByStatusUpdatedBefore(ctx context.Context, status models.OrderStatus, cutoff time.Time) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = $1 AND updated_at < $2`

	rows, err := db.QueryContext(ctx, query, status, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// FindByStatusUpdatedBetween is the upload-reminder sweep query.
func (db *DB) FindByStatusUpdatedBetween(ctx context.Context, status models.OrderStatus, from, to time.Time) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = $1 AND updated_at BETWEEN $2 AND $3`

	rows, err := db.QueryContext(ctx, query, status, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders by update window: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// HasProcessingOrderForPhone reports whether the phone number has an order
// mid-generation within the lookback window. Used to block duplicate orders.
func (db *DB) HasProcessingOrderForPhone(ctx context.Context, phone string, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE customer_phone = $1 AND created_at > $2 AND status = $3
		)
	`

	var exists bool
	err := db.QueryRowContext(ctx, query, phone, since, models.OrderStatusProcessing).Scan(&exists)
	return exists, err
}

// FindResumableOrder returns the most recent PAID order for the same
// name+phone pair, if any. The order-create flow resumes it with fresh
// upload URLs instead of creating a duplicate.
func (db *DB) FindResumableOrder(ctx context.Context, phone, name string) (*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE customer_phone = $1 AND customer_name = $2 AND status = $3
		ORDER BY created_at DESC
		LIMIT 1
	`

	order := &models.Order{}
	err := scanOrder(db.QueryRowContext(ctx, query, phone, name, models.OrderStatusPaid), order)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find resumable order: %w", err)
	}

	return order, nil
}

func (db *DB) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status models.OrderStatus) error {
	query := `UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := db.ExecContext(ctx, query, status, id)
	return err
}

// MarkPaid records the payment key and moves the order to PAID.
func (db *DB) MarkPaid(ctx context.Context, id uuid.UUID, paymentKey string) error {
	query := `
		UPDATE orders
		SET payment_key = $1, status = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, paymentKey, models.OrderStatusPaid, id)
	return err
}

// MarkCompleted finishes a generation run: output key, download link, and the
// PROCESSING → COMPLETED transition. The status guard means a superseded
// stale run (one whose order was already rolled back and re-queued by the
// recovery sweep) cannot clobber the newer attempt; it returns false in that
// case and the caller drops its result.
func (db *DB) MarkCompleted(ctx context.Context, id uuid.UUID, outputKey, downloadURL string, expiresAt time.Time) (bool, error) {
	query := `
		UPDATE orders
		SET output_key = $1, download_url = $2, download_expires_at = $3,
		    status = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6
	`

	res, err := db.ExecContext(ctx, query,
		outputKey, downloadURL, expiresAt,
		models.OrderStatusCompleted, id, models.OrderStatusProcessing,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkFailed records the failure reason and moves the order to FAILED.
// Guarded the same way as MarkCompleted for runs racing the recovery sweep.
func (db *DB) MarkFailed(ctx context.Context, id uuid.UUID, memo string) (bool, error) {
	query := `
		UPDATE orders
		SET status = $1, admin_memo = $2, updated_at = NOW()
		WHERE id = $3 AND status NOT IN ($4, $5)
	`

	res, err := db.ExecContext(ctx, query,
		models.OrderStatusFailed, memo, id,
		models.OrderStatusCompleted, models.OrderStatusFailed,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

// RollbackForRetry bumps the retry counter and rolls the order back to PAID
// so generation can be re-entered. Used by the recovery sweep and by admin
// regenerate.
func (db *DB) RollbackForRetry(ctx context.Context, id uuid.UUID, memo string) error {
	query := `
		UPDATE orders
		SET status = $1, retry_count = retry_count + 1, admin_memo = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, models.OrderStatusPaid, memo, id)
	return err
}

// SetUploadSelections records the intro title, BGM track, and photo count
// reported at upload-complete time.
func (db *DB) SetUploadSelections(ctx context.Context, id uuid.UUID, introTitle *string, bgmTrack string, photoCount int) error {
	query := `
		UPDATE orders
		SET intro_title = $1, bgm_track = $2, photo_count = $3, updated_at = NOW()
		WHERE id = $4
	`
	_, err := db.ExecContext(ctx, query, introTitle, bgmTrack, photoCount, id)
	return err
}

// SetDownloadURL refreshes the presigned download link on a completed order.
func (db *DB) SetDownloadURL(ctx context.Context, id uuid.UUID, downloadURL string, expiresAt time.Time) error {
	query := `
		UPDATE orders
		SET download_url = $1, download_expires_at = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, downloadURL, expiresAt, id)
	return err
}

func (db *DB) UpdateAdminMemo(ctx context.Context, id uuid.UUID, memo string) error {
	query := `UPDATE orders SET admin_memo = $1, updated_at = NOW() WHERE id = $2`
	_, err := db.ExecContext(ctx, query, memo, id)
	return err
}

// CountByStatus returns per-status order counts for the admin dashboard.
func (db *DB) CountByStatus(ctx context.Context) (map[models.OrderStatus]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.OrderStatus]int)
	for rows.Next() {
		var (
			status models.OrderStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan order count: %w", err)
		}
		counts[status] = n
	}

	return counts, rows.Err()
}

// CountCreatedAfter returns how many orders were created after the cutoff.
func (db *DB) CountCreatedAfter(ctx context.Context, after time.Time) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE created_at > $1`, after).Scan(&count)
	return count, err
}

func collectOrders(rows *sql.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := scanOrder(rows, &o); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
