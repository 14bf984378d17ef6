package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Veo Video Generation Service (legacy provider)
// Uses the Google Gen AI SDK to animate still photos. The photo is passed as
// the first frame; a fixed motion prompt keeps movement subtle and uniform.
// Kept behind ClipGenerator so it can be swapped in when Runway is disabled.
// ---------------------------------------------------------------------------

const (
	defaultVeoModel    = "veo-3.1-generate-preview"
	veoPollInterval    = 10 * time.Second
	veoMaxPollDuration = 10 * time.Minute // Max time to wait for a single clip
)

// VeoService handles clip generation via Google's Veo model.
// It implements ClipGenerator.
type VeoService struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewVeoService creates a new Veo clip generation service.
// apiKey: the Gemini API key (same key works for both Gemini and Veo)
// model: the Veo model to use (empty string defaults to veo-3.1-generate-preview)
func NewVeoService(apiKey, model string) *VeoService {
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoService{
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// buildVeoPrompt wraps the shared motion prompt with Veo-specific style and
// safety instructions. Veo is stricter about realistic scenes than Runway, so
// the extra direction keeps family photos from tripping its filters.
func buildVeoPrompt() string {
	return fmt.Sprintf(`%s

Motion direction: subtle, natural, realistic movement only. Gentle breathing, a slow blink, hair or fabric moving in a soft breeze, light flickering. The movement should feel like a living photograph.

Avoid: sudden jerky movements, unrealistic morphing, style changes between frames, or dramatic camera swoops. Preserve the color grading and detail of the source photo exactly.

Important: This is a personal keepsake scene. All subjects are unnamed private individuals. Do not identify or associate any subject with a real person, celebrity, or public figure.

No generated audio or dialogue. Silent video only.`, runwayMotionPrompt)
}

// GenerateClip animates a single photo into a short clip using Veo.
//
// imageURL is fetched first (Veo takes raw bytes, not a URL), then the async
// operation is polled internally until done, cancelled, or timed out. This
// blocks the calling goroutine, which fits the worker architecture where each
// clip runs in its own goroutine.
func (s *VeoService) GenerateClip(ctx context.Context, imageURL string) ([]byte, error) {
	imageData, mimeType, err := s.fetchImage(ctx, imageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source image: %w", err)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	firstFrame := &genai.Image{
		ImageBytes: imageData,
		MIMEType:   mimeType,
	}

	// Landscape to match the final 1920x1080 assembly
	config := &genai.GenerateVideosConfig{
		AspectRatio:      "16:9",
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}

	log.Printf("[Veo] Starting clip generation (model=%s, imageSize=%d bytes)", s.model, len(imageData))

	operation, err := client.Models.GenerateVideos(ctx, s.model, buildVeoPrompt(), firstFrame, config)
	if err != nil {
		return nil, fmt.Errorf("failed to start clip generation: %w", err)
	}

	log.Printf("[Veo] Operation started: %s", operation.Name)

	// Poll until done, cancelled, or timed out
	deadline := time.Now().Add(veoMaxPollDuration)
	pollCount := 0
	for !operation.Done {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("clip generation timed out after %v (polled %d times)", veoMaxPollDuration, pollCount)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("clip generation cancelled: %w", ctx.Err())
		case <-time.After(veoPollInterval):
		}

		pollCount++
		operation, err = client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to poll operation (attempt %d): %w", pollCount, err)
		}

		log.Printf("[Veo] Poll %d: done=%v", pollCount, operation.Done)
	}

	if operation.Error != nil && len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return nil, fmt.Errorf("clip generation operation failed: %s", string(errJSON))
	}

	if operation.Response == nil {
		return nil, fmt.Errorf("no response in completed operation after %d polls (operation: %s)", pollCount, operation.Name)
	}

	// Check if videos were blocked by RAI (Responsible AI) safety filters
	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return nil, fmt.Errorf("clip blocked by safety filters: %d video(s) filtered, reasons: %s", operation.Response.RAIMediaFilteredCount, reasons)
	}

	if len(operation.Response.GeneratedVideos) == 0 {
		respJSON, _ := json.Marshal(operation.Response)
		return nil, fmt.Errorf("no videos in response (full response: %s)", string(respJSON))
	}

	video := operation.Response.GeneratedVideos[0]
	if video.Video == nil {
		return nil, fmt.Errorf("generated video object is nil")
	}

	log.Printf("[Veo] Clip ready, downloading...")

	downloadURI := genai.NewDownloadURIFromVideo(video.Video)
	clipBytes, err := client.Files.Download(ctx, downloadURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated clip: %w", err)
	}

	if len(clipBytes) == 0 {
		return nil, fmt.Errorf("downloaded clip is empty (0 bytes)")
	}

	log.Printf("[Veo] Clip generated successfully (%d bytes, %d polls)", len(clipBytes), pollCount)

	return clipBytes, nil
}

// fetchImage downloads the source photo so it can be passed to Veo as bytes.
func (s *VeoService) fetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("image download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image data: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/jpeg"
	}

	return data, mimeType, nil
}
