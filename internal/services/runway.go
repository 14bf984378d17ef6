package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ---------------------------------------------------------------------------
// RunwayML Image-to-Video Generation Service
// Uses the Runway REST API to animate still photos into short clips.
// Follows a deferred request pattern: submit task → poll by task id → download.
// ---------------------------------------------------------------------------

const (
	runwayDefaultBaseURL = "https://api.dev.runwayml.com"
	runwayAPIVersion     = "2024-11-06" // X-Runway-Version header value
	runwayModel          = "gen3a_turbo"
	runwayClipDuration   = 5        // seconds per clip
	runwayClipRatio      = "1280:768"
	runwayPollInterval   = 5 * time.Second
	runwayMaxPolls       = 120 // 5s * 120 = 10 minutes hard ceiling per clip
)

// runwayMotionPrompt is applied to every photo. Keeping one fixed prompt gives
// the whole video a consistent feel regardless of subject.
const runwayMotionPrompt = "Gentle, natural subtle movement. Soft breathing and emotional atmosphere. Cinematic."

// RunwayService handles clip generation via RunwayML's image-to-video API.
// It implements ClipGenerator.
type RunwayService struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewRunwayService creates a new RunwayML clip generation service.
// baseURL may be empty to use the production endpoint.
func NewRunwayService(apiKey, baseURL string) *RunwayService {
	if baseURL == "" {
		baseURL = runwayDefaultBaseURL
	}
	return &RunwayService{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // Timeout for individual HTTP calls, not the full poll cycle
		},
	}
}

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

// runwayTaskRequest is the body for POST /v1/image_to_video
type runwayTaskRequest struct {
	PromptImage string `json:"promptImage"`
	PromptText  string `json:"promptText"`
	Model       string `json:"model"`
	Duration    int    `json:"duration"`
	Ratio       string `json:"ratio"`
}

// runwayTaskResponse is the response from POST /v1/image_to_video
type runwayTaskResponse struct {
	ID string `json:"id"`
}

// runwayTaskStatus is the response from GET /v1/tasks/{id}.
//
// Status progresses PENDING → RUNNING → SUCCEEDED, or terminates with
// FAILED / CANCELLED. On success, Output holds the result video URLs.
type runwayTaskStatus struct {
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	Output        []string `json:"output,omitempty"`
	FailureReason string   `json:"failure,omitempty"`
}

// GenerateClip animates a single photo into a 5-second clip.
//
// imageURL must be a URL Runway can fetch directly (a presigned GET on the
// uploaded photo). The async task is polled internally every 5s with a
// 10-minute ceiling.
//
// Returns the raw clip bytes (MP4) or an error.
func (s *RunwayService) GenerateClip(ctx context.Context, imageURL string) ([]byte, error) {
	reqBody := runwayTaskRequest{
		PromptImage: imageURL,
		PromptText:  runwayMotionPrompt,
		Model:       runwayModel,
		Duration:    runwayClipDuration,
		Ratio:       runwayClipRatio,
	}

	taskID, err := s.submitTask(ctx, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to submit clip generation: %w", err)
	}

	log.Printf("[Runway] Task submitted, id=%s", taskID)

	status, err := s.pollTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	log.Printf("[Runway] Task %s succeeded, downloading result...", taskID)

	clipBytes, err := s.downloadClip(ctx, status.Output[0])
	if err != nil {
		return nil, fmt.Errorf("failed to download generated clip: %w", err)
	}

	if len(clipBytes) == 0 {
		return nil, fmt.Errorf("downloaded clip is empty (0 bytes)")
	}

	log.Printf("[Runway] Clip downloaded successfully (%d bytes)", len(clipBytes))
	return clipBytes, nil
}

// submitTask sends the image-to-video request and returns the task id.
func (s *RunwayService) submitTask(ctx context.Context, reqBody runwayTaskRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/v1/image_to_video", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("X-Runway-Version", runwayAPIVersion)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("runway returned status %d: %s", resp.StatusCode, string(body))
	}

	var taskResp runwayTaskResponse
	if err := json.Unmarshal(body, &taskResp); err != nil {
		return "", fmt.Errorf("failed to parse task response: %w (body: %s)", err, string(body))
	}

	if taskResp.ID == "" {
		return "", fmt.Errorf("no task id in response: %s", string(body))
	}

	return taskResp.ID, nil
}

// pollTask polls GET /v1/tasks/{id} until the task reaches a terminal state.
//
// Fixed 5s interval, 120 polls max (10 minutes). SUCCEEDED must carry at
// least one output URL; FAILED and CANCELLED are terminal errors.
func (s *RunwayService) pollTask(ctx context.Context, taskID string) (*runwayTaskStatus, error) {
	for poll := 1; poll <= runwayMaxPolls; poll++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("clip generation cancelled: %w", ctx.Err())
		case <-time.After(runwayPollInterval):
		}

		status, err := s.getTask(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll task (attempt %d): %w", poll, err)
		}

		switch status.Status {
		case "SUCCEEDED":
			if len(status.Output) == 0 || status.Output[0] == "" {
				return nil, fmt.Errorf("task %s succeeded but returned no output URL", taskID)
			}
			return status, nil

		case "FAILED", "CANCELLED":
			reason := status.FailureReason
			if reason == "" {
				reason = "no failure reason provided"
			}
			return nil, fmt.Errorf("clip generation %s: %s (task_id=%s)", status.Status, reason, taskID)

		default:
			// PENDING / RUNNING / THROTTLED — keep polling
			if poll%12 == 0 {
				log.Printf("[Runway] Task %s still %s after %d polls", taskID, status.Status, poll)
			}
		}
	}

	return nil, fmt.Errorf("clip generation timed out after %d polls (task_id=%s)", runwayMaxPolls, taskID)
}

// getTask fetches the current status of a generation task.
func (s *RunwayService) getTask(ctx context.Context, taskID string) (*runwayTaskStatus, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/v1/tasks/%s", s.baseURL, taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("X-Runway-Version", runwayAPIVersion)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runway returned status %d: %s", resp.StatusCode, string(body))
	}

	var status runwayTaskStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse task status: %w (body: %s)", err, string(body))
	}

	return &status, nil
}

// downloadClip fetches the clip bytes from the result URL.
func (s *RunwayService) downloadClip(ctx context.Context, clipURL string) ([]byte, error) {
	// Use a longer timeout for the download (clips can be tens of MB)
	downloadClient := &http.Client{Timeout: 120 * time.Second}

	req, err := http.NewRequestWithContext(ctx, "GET", clipURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("clip download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read clip data: %w", err)
	}

	return data, nil
}
