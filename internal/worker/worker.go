package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/momentable/keepsake/internal/models"
	"github.com/momentable/keepsake/internal/queue"
	"github.com/momentable/keepsake/internal/services"
	"github.com/momentable/keepsake/internal/storage"
)

// defaultRetrySchedule is the wait between clip generation attempts:
// 3 attempts total, 10s then 30s between them.
var defaultRetrySchedule = []time.Duration{10 * time.Second, 30 * time.Second}

// Store is the slice of the database layer the worker needs.
type Store interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetOrderPhotos(ctx context.Context, orderID uuid.UUID) ([]models.Photo, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, status models.OrderStatus) error
	UpdatePhotoClipKey(ctx context.Context, photoID uuid.UUID, clipKey string) error
	MarkCompleted(ctx context.Context, id uuid.UUID, outputKey, downloadURL string, expiresAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, memo string) (bool, error)
}

// ObjectStore is the slice of the storage layer the worker needs.
type ObjectStore interface {
	PresignRead(key string) (string, error)
	PresignDownload(key string, ttl time.Duration) (string, error)
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// Assembler produces the final video for an order and returns its storage key.
type Assembler interface {
	MergeClipsWithMusic(ctx context.Context, order *models.Order, photos []models.Photo) (string, error)
}

// Notifier delivers customer and operator notifications. Implementations
// must be best-effort: the worker never checks for notification failure.
type Notifier interface {
	SendCompletionNotice(ctx context.Context, order *models.Order, downloadURL string)
	SendFailureAlert(ctx context.Context, order *models.Order, reason string)
}

type Worker struct {
	db        Store
	queue     *queue.Queue
	storage   ObjectStore
	generator services.ClipGenerator
	assembler Assembler
	notify    Notifier

	// clipSem bounds concurrent generation calls across ALL orders — the
	// provider enforces an account-level concurrency cap, so the limit must
	// be global, not per-order.
	clipSem chan struct{}

	// retrySchedule is the wait between generation attempts. Tests inject a
	// zero-length schedule to avoid real sleeps.
	retrySchedule []time.Duration
}

func New(
	database Store,
	q *queue.Queue,
	stor ObjectStore,
	generator services.ClipGenerator,
	assembler Assembler,
	notify Notifier,
	maxConcurrentClips int,
) *Worker {
	return &Worker{
		db:            database,
		queue:         q,
		storage:       stor,
		generator:     generator,
		assembler:     assembler,
		notify:        notify,
		clipSem:       make(chan struct{}, maxConcurrentClips),
		retrySchedule: defaultRetrySchedule,
	}
}

// Start begins processing generation jobs from the order queue.
// concurrency is the number of orders rendered at once.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Printf("Worker started with concurrency: %d", concurrency)

	for i := 0; i < concurrency; i++ {
		go w.processQueue(ctx)
	}

	<-ctx.Done()
	log.Println("Worker shutting down...")
}

func (w *Worker) processQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(ctx, 5*time.Second)
			if err != nil {
				log.Printf("Error dequeuing: %v", err)
				continue
			}

			if job == nil {
				continue // No job available, retry
			}

			log.Printf("Processing job %s (order: %s)", job.ID, job.OrderID)

			if err := w.handleGenerateVideo(ctx, job.OrderID); err != nil {
				log.Printf("Job %s failed: %v", job.ID, err)
			} else {
				log.Printf("Job %s completed successfully", job.ID)
			}
		}
	}
}

// handleGenerateVideo runs the full pipeline for one order:
// PAID → PROCESSING → clips → assembly → COMPLETED (or FAILED).
//
// Terminal transitions go through the status-guarded MarkCompleted /
// MarkFailed so a stale run that was superseded by stuck-job recovery can
// never clobber the recovered order's state.
func (w *Worker) handleGenerateVideo(ctx context.Context, orderID uuid.UUID) error {
	order, err := w.db.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load order: %w", err)
	}

	// Re-delivered or manually touched jobs: only PAID orders may start
	if !models.CanTransition(order.Status, models.OrderStatusProcessing) {
		log.Printf("[Worker] Order %s is %s, skipping generation", orderID, order.Status)
		return nil
	}

	if err := w.db.UpdateOrderStatus(ctx, orderID, models.OrderStatusProcessing); err != nil {
		return fmt.Errorf("failed to mark order processing: %w", err)
	}

	photos, err := w.db.GetOrderPhotos(ctx, orderID)
	if err != nil {
		return w.failOrder(ctx, order, fmt.Errorf("failed to load photos: %w", err))
	}
	if len(photos) == 0 {
		return w.failOrder(ctx, order, fmt.Errorf("order has no uploaded photos"))
	}

	log.Printf("[Worker] Order %s: generating %d clips", orderID, len(photos))

	if err := w.generateClipsInParallel(ctx, order, photos); err != nil {
		return w.failOrder(ctx, order, fmt.Errorf("clip generation failed: %w", err))
	}

	// Reload photos so assembly sees the clip keys persisted above
	photos, err = w.db.GetOrderPhotos(ctx, orderID)
	if err != nil {
		return w.failOrder(ctx, order, fmt.Errorf("failed to reload photos: %w", err))
	}

	outputKey, err := w.assembler.MergeClipsWithMusic(ctx, order, photos)
	if err != nil {
		return w.failOrder(ctx, order, fmt.Errorf("assembly failed: %w", err))
	}

	downloadURL, err := w.storage.PresignDownload(outputKey, models.DownloadExpireHours*time.Hour)
	if err != nil {
		return w.failOrder(ctx, order, fmt.Errorf("failed to presign download: %w", err))
	}
	expiresAt := time.Now().Add(models.DownloadExpireHours * time.Hour)

	updated, err := w.db.MarkCompleted(ctx, orderID, outputKey, downloadURL, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to mark order completed: %w", err)
	}
	if !updated {
		// A recovery sweep moved the order while this run was finishing.
		// The output is uploaded and reusable; state belongs to the new run.
		log.Printf("[Worker] Order %s was superseded, not marking completed", orderID)
		return nil
	}

	log.Printf("[Worker] Order %s COMPLETED (output=%s)", orderID, outputKey)
	w.notify.SendCompletionNotice(ctx, order, downloadURL)
	return nil
}

// failOrder applies the guarded FAILED transition and alerts operators.
// The original pipeline error is always returned to the caller.
func (w *Worker) failOrder(ctx context.Context, order *models.Order, cause error) error {
	updated, err := w.db.MarkFailed(ctx, order.ID, cause.Error())
	if err != nil {
		log.Printf("[Worker] Order %s: failed to mark failed: %v", order.ID, err)
		return cause
	}
	if !updated {
		log.Printf("[Worker] Order %s already terminal, not marking failed", order.ID)
		return cause
	}

	log.Printf("[Worker] Order %s FAILED: %v", order.ID, cause)
	w.notify.SendFailureAlert(ctx, order, cause.Error())
	return cause
}

// generateClipsInParallel fans out one generation task per photo. Each task
// acquires the global clip semaphore before calling the provider. Photos
// that already have a clip from a previous attempt are skipped — retries
// only pay for what failed.
//
// Successes persist their clip key immediately, so a later failure in a
// sibling loses no completed work. The first error wins; remaining tasks
// run to completion.
func (w *Worker) generateClipsInParallel(ctx context.Context, order *models.Order, photos []models.Photo) error {
	var g errgroup.Group

	for _, photo := range photos {
		photo := photo

		if photo.ClipKey != nil && *photo.ClipKey != "" {
			log.Printf("[Worker] Order %s photo %d: reusing existing clip %s", order.ID, photo.SortOrder, *photo.ClipKey)
			continue
		}

		g.Go(func() error {
			select {
			case w.clipSem <- struct{}{}:
			case <-ctx.Done():
				return fmt.Errorf("cancelled while waiting for clip slot: %w", ctx.Err())
			}
			defer func() { <-w.clipSem }()

			imageURL, err := w.storage.PresignRead(photo.StorageKey)
			if err != nil {
				return fmt.Errorf("photo %d: failed to presign source image: %w", photo.SortOrder, err)
			}

			data, err := w.generateClipWithRetry(ctx, photo.SortOrder, imageURL)
			if err != nil {
				return fmt.Errorf("photo %d: %w", photo.SortOrder, err)
			}

			clipKey := storage.ClipKey(order.ID, photo.SortOrder)
			if err := w.storage.Upload(ctx, clipKey, data, "video/mp4"); err != nil {
				return fmt.Errorf("photo %d: failed to upload clip: %w", photo.SortOrder, err)
			}

			if err := w.db.UpdatePhotoClipKey(ctx, photo.ID, clipKey); err != nil {
				return fmt.Errorf("photo %d: failed to persist clip key: %w", photo.SortOrder, err)
			}

			log.Printf("[Worker] Order %s photo %d: clip ready (%s)", order.ID, photo.SortOrder, clipKey)
			return nil
		})
	}

	return g.Wait()
}

// generateClipWithRetry calls the provider up to len(retrySchedule)+1 times,
// waiting out the schedule between attempts. Cancellation during a wait
// aborts immediately.
func (w *Worker) generateClipWithRetry(ctx context.Context, sortOrder int, imageURL string) ([]byte, error) {
	attempts := len(w.retrySchedule) + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		data, err := w.generator.GenerateClip(ctx, imageURL)
		if err == nil {
			return data, nil
		}
		lastErr = err
		log.Printf("[Worker] Clip %d attempt %d/%d failed: %v", sortOrder, attempt, attempts, err)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("cancelled during retry wait: %w", ctx.Err())
			case <-time.After(w.retrySchedule[attempt-1]):
			}
		}
	}

	return nil, fmt.Errorf("clip generation failed after %d attempts: %w", attempts, lastErr)
}
