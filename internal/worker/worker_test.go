package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentable/keepsake/internal/models"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*models.Order
	photos map[uuid.UUID][]models.Photo
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders: make(map[uuid.UUID]*models.Order),
		photos: make(map[uuid.UUID][]models.Photo),
	}
}

func (s *fakeStore) addOrder(order *models.Order, photos []models.Photo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	s.photos[order.ID] = photos
}

func (s *fakeStore) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order not found")
	}
	copied := *order
	return &copied, nil
}

func (s *fakeStore) GetOrderPhotos(ctx context.Context, orderID uuid.UUID) ([]models.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Photo(nil), s.photos[orderID]...), nil
}

func (s *fakeStore) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status models.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[id].Status = status
	return nil
}

func (s *fakeStore) UpdatePhotoClipKey(ctx context.Context, photoID uuid.UUID, clipKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, photos := range s.photos {
		for i := range photos {
			if photos[i].ID == photoID {
				key := clipKey
				photos[i].ClipKey = &key
				return nil
			}
		}
	}
	return fmt.Errorf("photo not found")
}

func (s *fakeStore) MarkCompleted(ctx context.Context, id uuid.UUID, outputKey, downloadURL string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.orders[id]
	if order.Status != models.OrderStatusProcessing {
		return false, nil
	}
	order.Status = models.OrderStatusCompleted
	order.OutputKey = &outputKey
	order.DownloadURL = &downloadURL
	order.DownloadExpiresAt = &expiresAt
	return true, nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, memo string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.orders[id]
	if order.Status.IsTerminal() {
		return false, nil
	}
	order.Status = models.OrderStatusFailed
	order.AdminMemo = &memo
	return true, nil
}

func (s *fakeStore) status(id uuid.UUID) models.OrderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id].Status
}

func (s *fakeStore) clipKeys(orderID uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for _, p := range s.photos[orderID] {
		if p.ClipKey != nil {
			keys = append(keys, *p.ClipKey)
		}
	}
	return keys
}

type fakeObjectStore struct {
	mu      sync.Mutex
	uploads map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{uploads: make(map[string][]byte)}
}

func (s *fakeObjectStore) PresignRead(key string) (string, error) {
	return "https://presigned.example/" + key, nil
}

func (s *fakeObjectStore) PresignDownload(key string, ttl time.Duration) (string, error) {
	return "https://download.example/" + key, nil
}

func (s *fakeObjectStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[key] = data
	return nil
}

// fakeGenerator counts calls and tracks peak concurrency. fn decides the
// outcome per image URL.
type fakeGenerator struct {
	mu      sync.Mutex
	calls   int
	active  int
	peak    int
	fn      func(imageURL string, call int) ([]byte, error)
}

func (g *fakeGenerator) GenerateClip(ctx context.Context, imageURL string) ([]byte, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.active++
	if g.active > g.peak {
		g.peak = g.active
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()

	if g.fn != nil {
		return g.fn(imageURL, call)
	}
	return []byte("clip"), nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeAssembler struct {
	fn func(ctx context.Context, order *models.Order, photos []models.Photo) (string, error)
}

func (a *fakeAssembler) MergeClipsWithMusic(ctx context.Context, order *models.Order, photos []models.Photo) (string, error) {
	if a.fn != nil {
		return a.fn(ctx, order, photos)
	}
	return fmt.Sprintf("results/%s/final.mp4", order.ID), nil
}

type fakeNotifier struct {
	mu          sync.Mutex
	completions []string
	failures    []string
}

func (n *fakeNotifier) SendCompletionNotice(ctx context.Context, order *models.Order, downloadURL string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completions = append(n.completions, downloadURL)
}

func (n *fakeNotifier) SendFailureAlert(ctx context.Context, order *models.Order, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, reason)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestWorker(store *fakeStore, objects *fakeObjectStore, gen *fakeGenerator, asm *fakeAssembler, notify *fakeNotifier, clipSlots int) *Worker {
	w := New(store, nil, objects, gen, asm, notify, clipSlots)
	w.retrySchedule = []time.Duration{0, 0} // 3 attempts, no real sleeps
	return w
}

func makeOrder(status models.OrderStatus, photoCount int) (*models.Order, []models.Photo) {
	orderID := uuid.New()
	order := &models.Order{
		ID:            orderID,
		CustomerName:  "김하늘",
		CustomerPhone: "01012345678",
		Amount:        models.DefaultAmount,
		Status:        status,
		PhotoCount:    photoCount,
		BGMTrack:      models.DefaultBGMTrack,
	}

	photos := make([]models.Photo, photoCount)
	for i := range photos {
		photos[i] = models.Photo{
			ID:         uuid.New(),
			OrderID:    orderID,
			StorageKey: fmt.Sprintf("uploads/%s/photo_%02d.jpg", orderID, i),
			SortOrder:  i,
		}
	}
	return order, photos
}

// ---------------------------------------------------------------------------
// Retry wrapper
// ---------------------------------------------------------------------------

func TestGenerateClipWithRetryRecoversFromTransientFailure(t *testing.T) {
	gen := &fakeGenerator{fn: func(imageURL string, call int) ([]byte, error) {
		if call <= 2 {
			return nil, fmt.Errorf("provider hiccup %d", call)
		}
		return []byte("clip"), nil
	}}

	w := newTestWorker(newFakeStore(), newFakeObjectStore(), gen, &fakeAssembler{}, &fakeNotifier{}, 4)

	data, err := w.generateClipWithRetry(context.Background(), 0, "https://img.example/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("clip"), data)
	assert.Equal(t, 3, gen.callCount())
}

func TestGenerateClipWithRetryExhaustsAttempts(t *testing.T) {
	gen := &fakeGenerator{fn: func(imageURL string, call int) ([]byte, error) {
		return nil, fmt.Errorf("permanent failure")
	}}

	w := newTestWorker(newFakeStore(), newFakeObjectStore(), gen, &fakeAssembler{}, &fakeNotifier{}, 4)

	_, err := w.generateClipWithRetry(context.Background(), 0, "https://img.example/photo.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "permanent failure")
	assert.Equal(t, 3, gen.callCount())
}

func TestGenerateClipWithRetryAbortsOnCancellation(t *testing.T) {
	gen := &fakeGenerator{fn: func(imageURL string, call int) ([]byte, error) {
		return nil, fmt.Errorf("failing")
	}}

	w := newTestWorker(newFakeStore(), newFakeObjectStore(), gen, &fakeAssembler{}, &fakeNotifier{}, 4)
	w.retrySchedule = []time.Duration{time.Hour} // would block without cancellation

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.generateClipWithRetry(ctx, 0, "https://img.example/photo.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
	assert.Equal(t, 1, gen.callCount())
}

// ---------------------------------------------------------------------------
// Full pipeline
// ---------------------------------------------------------------------------

func TestHandleGenerateVideoCompletesOrder(t *testing.T) {
	store := newFakeStore()
	objects := newFakeObjectStore()
	gen := &fakeGenerator{}
	notify := &fakeNotifier{}

	order, photos := makeOrder(models.OrderStatusPaid, 3)
	store.addOrder(order, photos)

	w := newTestWorker(store, objects, gen, &fakeAssembler{}, notify, 4)

	err := w.handleGenerateVideo(context.Background(), order.ID)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCompleted, store.status(order.ID))
	assert.Len(t, store.clipKeys(order.ID), 3)

	updated, _ := store.GetOrder(context.Background(), order.ID)
	require.NotNil(t, updated.DownloadURL)
	assert.Contains(t, *updated.DownloadURL, "results/")
	require.NotNil(t, updated.DownloadExpiresAt)

	assert.Len(t, notify.completions, 1)
	assert.Empty(t, notify.failures)
}

func TestHandleGenerateVideoFailsWhenOneClipFails(t *testing.T) {
	store := newFakeStore()
	objects := newFakeObjectStore()
	notify := &fakeNotifier{}

	order, photos := makeOrder(models.OrderStatusPaid, 4)
	store.addOrder(order, photos)

	// Photo 2's source image always fails; siblings succeed.
	badURL := "https://presigned.example/" + photos[2].StorageKey
	gen := &fakeGenerator{fn: func(imageURL string, call int) ([]byte, error) {
		if imageURL == badURL {
			return nil, fmt.Errorf("content rejected")
		}
		return []byte("clip"), nil
	}}

	w := newTestWorker(store, objects, gen, &fakeAssembler{}, notify, 4)

	err := w.handleGenerateVideo(context.Background(), order.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content rejected")

	assert.Equal(t, models.OrderStatusFailed, store.status(order.ID))
	// The three successful siblings kept their work for the next retry
	assert.Len(t, store.clipKeys(order.ID), 3)
	assert.Len(t, notify.failures, 1)
	assert.Empty(t, notify.completions)
}

func TestHandleGenerateVideoReusesExistingClips(t *testing.T) {
	store := newFakeStore()
	objects := newFakeObjectStore()
	gen := &fakeGenerator{}
	notify := &fakeNotifier{}

	order, photos := makeOrder(models.OrderStatusPaid, 3)
	existing := fmt.Sprintf("clips/%s/clip_00.mp4", order.ID)
	photos[0].ClipKey = &existing
	store.addOrder(order, photos)

	w := newTestWorker(store, objects, gen, &fakeAssembler{}, notify, 4)

	err := w.handleGenerateVideo(context.Background(), order.ID)
	require.NoError(t, err)

	// Only the two photos without clips hit the provider
	assert.Equal(t, 2, gen.callCount())
	assert.Equal(t, models.OrderStatusCompleted, store.status(order.ID))
	assert.Len(t, store.clipKeys(order.ID), 3)
}

func TestHandleGenerateVideoSkipsNonPaidOrder(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{}

	order, photos := makeOrder(models.OrderStatusCompleted, 2)
	store.addOrder(order, photos)

	w := newTestWorker(store, newFakeObjectStore(), gen, &fakeAssembler{}, &fakeNotifier{}, 4)

	err := w.handleGenerateVideo(context.Background(), order.ID)
	require.NoError(t, err)

	assert.Equal(t, 0, gen.callCount())
	assert.Equal(t, models.OrderStatusCompleted, store.status(order.ID))
}

func TestHandleGenerateVideoSupersededRunDoesNotComplete(t *testing.T) {
	store := newFakeStore()
	notify := &fakeNotifier{}

	order, photos := makeOrder(models.OrderStatusPaid, 1)
	store.addOrder(order, photos)

	// While assembly runs, a recovery sweep rolls the order back to PAID.
	asm := &fakeAssembler{fn: func(ctx context.Context, o *models.Order, p []models.Photo) (string, error) {
		store.mu.Lock()
		store.orders[order.ID].Status = models.OrderStatusPaid
		store.mu.Unlock()
		return fmt.Sprintf("results/%s/final.mp4", o.ID), nil
	}}

	w := newTestWorker(store, newFakeObjectStore(), &fakeGenerator{}, asm, notify, 4)

	err := w.handleGenerateVideo(context.Background(), order.ID)
	require.NoError(t, err)

	// The stale run must not clobber the recovered order
	assert.Equal(t, models.OrderStatusPaid, store.status(order.ID))
	assert.Empty(t, notify.completions)
}

func TestClipGenerationRespectsConcurrencyBound(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{fn: func(imageURL string, call int) ([]byte, error) {
		time.Sleep(10 * time.Millisecond) // hold the slot long enough to overlap
		return []byte("clip"), nil
	}}

	order, photos := makeOrder(models.OrderStatusPaid, 8)
	store.addOrder(order, photos)

	w := newTestWorker(store, newFakeObjectStore(), gen, &fakeAssembler{}, &fakeNotifier{}, 2)

	err := w.handleGenerateVideo(context.Background(), order.ID)
	require.NoError(t, err)

	assert.Equal(t, 8, gen.callCount())
	assert.LessOrEqual(t, gen.peak, 2)
}

func TestClipKeysFollowSortOrder(t *testing.T) {
	store := newFakeStore()
	order, photos := makeOrder(models.OrderStatusPaid, 3)
	store.addOrder(order, photos)

	w := newTestWorker(store, newFakeObjectStore(), &fakeGenerator{}, &fakeAssembler{}, &fakeNotifier{}, 4)

	err := w.handleGenerateVideo(context.Background(), order.ID)
	require.NoError(t, err)

	for i, key := range store.clipKeys(order.ID) {
		assert.True(t, strings.HasSuffix(key, fmt.Sprintf("clip_%02d.mp4", i)), "key %q should end with clip_%02d.mp4", key, i)
	}
}
