package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/momentable/keepsake/internal/models"
)

const (
	// Presign lifetimes: short for browser uploads and generation-service
	// reads, long for customer download links.
	uploadURLTTL = 30 * time.Minute
	readURLTTL   = 30 * time.Minute

	downloadTimeout = 120 * time.Second
)

// Storage wraps S3 access for photo uploads, clip staging, and final video
// publication.
type Storage struct {
	s3     *s3.S3
	bucket string
}

func New(region, bucket string) (*Storage, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}

	return &Storage{
		s3:     s3.New(sess),
		bucket: bucket,
	}, nil
}

// ---------------------------------------------------------------------------
// Key layout
// ---------------------------------------------------------------------------

// InputPrefix is the storage prefix holding all of an order's uploads.
func InputPrefix(orderID uuid.UUID) string {
	return fmt.Sprintf("uploads/%s/", orderID)
}

// PhotoKey is the upload slot for one source photo.
func PhotoKey(orderID uuid.UUID, index int) string {
	return fmt.Sprintf("uploads/%s/photo_%02d.jpg", orderID, index)
}

// ClipKey is the deterministic location of one generated clip, scoped by
// order and photo sort index.
func ClipKey(orderID uuid.UUID, sortOrder int) string {
	return fmt.Sprintf("clips/%s/clip_%02d.mp4", orderID, sortOrder)
}

// ResultKey is where an order's final video is published.
func ResultKey(orderID uuid.UUID) string {
	return fmt.Sprintf("results/%s/final.mp4", orderID)
}

// ---------------------------------------------------------------------------
// Presigned URLs
// ---------------------------------------------------------------------------

// GenerateUploadInfos presigns one PUT URL per photo slot. Content type is
// left unsigned so the browser can send whatever image type it has; the key
// keeps a .jpg suffix because the generation service reads bytes, not
// extensions.
func (s *Storage) GenerateUploadInfos(orderID uuid.UUID, photoCount int) ([]models.PresignedUploadInfo, error) {
	infos := make([]models.PresignedUploadInfo, 0, photoCount)
	for i := 0; i < photoCount; i++ {
		key := PhotoKey(orderID, i)

		req, _ := s.s3.PutObjectRequest(&s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		url, err := req.Presign(uploadURLTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to presign upload for %s: %w", key, err)
		}

		infos = append(infos, models.PresignedUploadInfo{
			Index:      i,
			UploadURL:  url,
			StorageKey: key,
		})
	}
	return infos, nil
}

// PresignDownload returns a time-limited GET URL for a stored object. Used
// both to hand source photos to the generation service and to build customer
// download links.
func (s *Storage) PresignDownload(key string, ttl time.Duration) (string, error) {
	req, _ := s.s3.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("failed to presign download for %s: %w", key, err)
	}
	return url, nil
}

// PresignRead returns a short-lived read URL suitable for passing to the
// external generation service.
func (s *Storage) PresignRead(key string) (string, error) {
	return s.PresignDownload(key, readURLTTL)
}

// ---------------------------------------------------------------------------
// Object transfer
// ---------------------------------------------------------------------------

func (s *Storage) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// UploadFile uploads a local file under the given key.
func (s *Storage) UploadFile(ctx context.Context, localPath, key, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	log.Printf("[Storage] Uploading %s (%d bytes) → %s", localPath, info.Size(), key)

	_, err = s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// DownloadToFile fetches an object into a local file.
func (s *Storage) DownloadToFile(ctx context.Context, key, localPath string) error {
	out, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	return nil
}

// UploadFromURL streams an external URL (a generation-service result) into
// storage under the given key.
func (s *Storage) UploadFromURL(ctx context.Context, sourceURL, key string) error {
	client := &http.Client{Timeout: downloadTimeout}

	req, err := http.NewRequestWithContext(ctx, "GET", sourceURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("source download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read source body: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("source download is empty (0 bytes)")
	}

	return s.Upload(ctx, key, data, "video/mp4")
}
