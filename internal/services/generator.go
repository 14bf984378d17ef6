package services

import "context"

// ClipGenerator turns one source photo into a short video clip. The returned
// bytes are the raw MP4; the caller persists them — generators mutate no
// shared state.
//
// Runway is the preferred provider; Veo is kept as a legacy alternative
// behind the same interface.
type ClipGenerator interface {
	// GenerateClip animates the image reachable at imageURL. The URL must be
	// readable by the external service (a presigned GET), and the call blocks
	// through submit, polling, and result download.
	GenerateClip(ctx context.Context, imageURL string) ([]byte, error)
}
