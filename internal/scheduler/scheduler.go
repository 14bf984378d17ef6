package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/momentable/keepsake/internal/models"
)

// Sweep cadences and cutoffs. A PROCESSING order that hasn't been touched
// for two hours is assumed dead (a crashed worker or a lost Redis job).
const (
	stuckSweepInterval   = 10 * time.Minute
	stuckCutoff          = 2 * time.Hour
	hourlySweepInterval  = time.Hour
	pendingExpiryCutoff  = 24 * time.Hour
	reminderWindowStart  = 2 * time.Hour
	reminderWindowEnd    = 12 * time.Hour
	workdirCutoff        = 3 * time.Hour

	expiredMemo = "order expired: no payment within 24h"
)

// Store is the slice of the database layer the sweeps need.
type Store interface {
	FindByStatusUpdatedBefore(ctx context.Context, status models.OrderStatus, cutoff time.Time) ([]models.Order, error)
	FindByStatusCreatedBefore(ctx context.Context, status models.OrderStatus, cutoff time.Time) ([]models.Order, error)
	FindByStatusUpdatedBetween(ctx context.Context, status models.OrderStatus, from, to time.Time) ([]models.Order, error)
	RollbackForRetry(ctx context.Context, id uuid.UUID, memo string) error
	MarkFailed(ctx context.Context, id uuid.UUID, memo string) (bool, error)
}

// Enqueuer re-queues generation jobs for recovered orders.
type Enqueuer interface {
	EnqueueGenerateVideo(ctx context.Context, orderID uuid.UUID) error
}

// Notifier delivers reminder SMS and operator alerts.
type Notifier interface {
	SendUploadReminder(ctx context.Context, order *models.Order)
	SendFailureAlert(ctx context.Context, order *models.Order, reason string)
}

// Scheduler runs the periodic maintenance sweeps: stuck-job recovery,
// pending-order expiry, upload reminders, and workdir cleanup.
type Scheduler struct {
	db      Store
	queue   Enqueuer
	notify  Notifier
	workDir string
}

func New(database Store, q Enqueuer, notify Notifier, workDir string) *Scheduler {
	return &Scheduler{
		db:      database,
		queue:   q,
		notify:  notify,
		workDir: workDir,
	}
}

// Start runs all sweeps until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Println("Scheduler started")

	go s.runEvery(ctx, stuckSweepInterval, "stuck recovery", s.recoverStuckOrders)
	go s.runEvery(ctx, hourlySweepInterval, "pending expiry", s.expirePendingOrders)
	go s.runEvery(ctx, hourlySweepInterval, "upload reminder", s.remindPaidOrders)
	go s.runEvery(ctx, hourlySweepInterval, "workdir cleanup", s.cleanWorkDirs)

	<-ctx.Done()
	log.Println("Scheduler shutting down...")
}

func (s *Scheduler) runEvery(ctx context.Context, interval time.Duration, name string, sweep func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sweep(ctx); err != nil {
				log.Printf("[Scheduler] %s sweep failed: %v", name, err)
			}
		}
	}
}

// recoverStuckOrders finds PROCESSING orders that went quiet and either
// rolls them back for another attempt or fails them terminally once the
// retry ceiling is reached. The status filter makes re-running the sweep
// over the same order harmless.
func (s *Scheduler) recoverStuckOrders(ctx context.Context) error {
	cutoff := time.Now().Add(-stuckCutoff)
	stuck, err := s.db.FindByStatusUpdatedBefore(ctx, models.OrderStatusProcessing, cutoff)
	if err != nil {
		return fmt.Errorf("failed to find stuck orders: %w", err)
	}

	for i := range stuck {
		order := &stuck[i]

		if order.RetryCount >= models.MaxAutoRetry {
			memo := fmt.Sprintf("stuck in processing, retry ceiling reached (%d attempts)", order.RetryCount)
			updated, err := s.db.MarkFailed(ctx, order.ID, memo)
			if err != nil {
				log.Printf("[Scheduler] Failed to fail stuck order %s: %v", order.ID, err)
				continue
			}
			if updated {
				log.Printf("[Scheduler] Order %s failed terminally after %d retries", order.ID, order.RetryCount)
				s.notify.SendFailureAlert(ctx, order, memo)
			}
			continue
		}

		memo := fmt.Sprintf("auto-recovered from stuck processing (attempt %d)", order.RetryCount+1)
		if err := s.db.RollbackForRetry(ctx, order.ID, memo); err != nil {
			log.Printf("[Scheduler] Failed to roll back stuck order %s: %v", order.ID, err)
			continue
		}

		if err := s.queue.EnqueueGenerateVideo(ctx, order.ID); err != nil {
			log.Printf("[Scheduler] Failed to re-enqueue order %s: %v", order.ID, err)
			continue
		}

		log.Printf("[Scheduler] Order %s rolled back and re-enqueued (retry %d)", order.ID, order.RetryCount+1)
	}

	return nil
}

// expirePendingOrders fails PENDING orders that never got paid.
func (s *Scheduler) expirePendingOrders(ctx context.Context) error {
	cutoff := time.Now().Add(-pendingExpiryCutoff)
	expired, err := s.db.FindByStatusCreatedBefore(ctx, models.OrderStatusPending, cutoff)
	if err != nil {
		return fmt.Errorf("failed to find expired orders: %w", err)
	}

	for i := range expired {
		order := &expired[i]
		updated, err := s.db.MarkFailed(ctx, order.ID, expiredMemo)
		if err != nil {
			log.Printf("[Scheduler] Failed to expire order %s: %v", order.ID, err)
			continue
		}
		if updated {
			log.Printf("[Scheduler] Order %s expired (created %s)", order.ID, order.CreatedAt.Format(time.RFC3339))
		}
	}

	return nil
}

// remindPaidOrders nudges customers who paid but haven't uploaded photos.
// The 2-12h window means each order gets at most a handful of reminders and
// nothing fires for very fresh or abandoned orders.
func (s *Scheduler) remindPaidOrders(ctx context.Context) error {
	now := time.Now()
	orders, err := s.db.FindByStatusUpdatedBetween(ctx, models.OrderStatusPaid, now.Add(-reminderWindowEnd), now.Add(-reminderWindowStart))
	if err != nil {
		return fmt.Errorf("failed to find reminder candidates: %w", err)
	}

	for i := range orders {
		order := &orders[i]
		if order.PhotoCount > 0 {
			continue // photos already uploaded, generation is queued or running
		}
		log.Printf("[Scheduler] Sending upload reminder for order %s", order.ID)
		s.notify.SendUploadReminder(ctx, order)
	}

	return nil
}

// cleanWorkDirs removes per-order working directories left behind by
// crashed pipeline runs. Live runs are far younger than the cutoff.
func (s *Scheduler) cleanWorkDirs(ctx context.Context) error {
	entries, err := os.ReadDir(s.workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read work dir: %w", err)
	}

	cutoff := time.Now().Add(-workdirCutoff)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(s.workDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Printf("[Scheduler] Failed to remove stale workdir %s: %v", path, err)
			continue
		}
		log.Printf("[Scheduler] Removed stale workdir %s", path)
	}

	return nil
}
