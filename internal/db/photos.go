package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/momentable/keepsake/internal/models"
)

func (db *DB) CreatePhoto(ctx context.Context, photo *models.Photo) error {
	query := `
		INSERT INTO order_photos (id, order_id, storage_key, sort_order, caption)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	return db.QueryRowContext(
		ctx, query,
		photo.ID, photo.OrderID, photo.StorageKey, photo.SortOrder, photo.Caption,
	).Scan(&photo.CreatedAt)
}

// GetOrderPhotos returns an order's photos in sort order — the order clips
// are concatenated in, regardless of generation completion order.
func (db *DB) GetOrderPhotos(ctx context.Context, orderID uuid.UUID) ([]models.Photo, error) {
	query := `
		SELECT id, order_id, storage_key, sort_order, caption, clip_key, created_at
		FROM order_photos
		WHERE order_id = $1
		ORDER BY sort_order
	`

	rows, err := db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query photos: %w", err)
	}
	defer rows.Close()

	var photos []models.Photo
	for rows.Next() {
		var p models.Photo
		if err := rows.Scan(
			&p.ID, &p.OrderID, &p.StorageKey, &p.SortOrder,
			&p.Caption, &p.ClipKey, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan photo: %w", err)
		}
		photos = append(photos, p)
	}

	return photos, rows.Err()
}

// UpdatePhotoClipKey persists a generated clip's storage key onto its photo.
// Each write is an independent row update, so concurrent clip tasks need no
// coordination beyond this.
func (db *DB) UpdatePhotoClipKey(ctx context.Context, photoID uuid.UUID, clipKey string) error {
	query := `UPDATE order_photos SET clip_key = $1 WHERE id = $2`
	_, err := db.ExecContext(ctx, query, clipKey, photoID)
	return err
}

// ReplaceOrderPhotos swaps an order's photo set for the one reported at
// upload completion. Ownership is explicit: the order owns its photos, and
// replacing the set deletes the previous rows rather than relying on a
// cascade.
func (db *DB) ReplaceOrderPhotos(ctx context.Context, orderID uuid.UUID, uploads []models.UploadedPhoto) ([]models.Photo, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM order_photos WHERE order_id = $1`, orderID); err != nil {
		return nil, fmt.Errorf("failed to clear photos: %w", err)
	}

	insert := `
		INSERT INTO order_photos (id, order_id, storage_key, sort_order, caption)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	photos := make([]models.Photo, 0, len(uploads))
	for i, up := range uploads {
		p := models.Photo{
			ID:         uuid.New(),
			OrderID:    orderID,
			StorageKey: up.StorageKey,
			SortOrder:  i,
			Caption:    up.Caption,
		}
		if err := tx.QueryRowContext(ctx, insert, p.ID, p.OrderID, p.StorageKey, p.SortOrder, p.Caption).Scan(&p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to insert photo %d: %w", i, err)
		}
		photos = append(photos, p)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit photo set: %w", err)
	}

	return photos, nil
}
