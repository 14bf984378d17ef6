package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/momentable/keepsake/internal/models"
)

// ---------------------------------------------------------------------------
// FFmpeg Assembly Pipeline
// Stitches generated clips into the final keepsake video:
// intro title card → clips in sort order → background music → final encode.
// ffmpeg and ffprobe run as external processes.
// ---------------------------------------------------------------------------

const (
	finalWidth  = 1920
	finalHeight = 1080
	finalFPS    = 30

	introDuration = 4 // seconds for the title card

	// Tail of ffmpeg diagnostic output attached to errors. ffmpeg writes the
	// actual failure reason at the end of a long banner, so the tail is the
	// useful part.
	ffmpegErrTail = 2000
)

// systemFonts are tried in order when no bundled font is configured.
var systemFonts = []string{
	"/usr/share/fonts/truetype/nanum/NanumGothicBold.ttf",
	"/usr/share/fonts/truetype/nanum/NanumGothic.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans-Bold.ttf",
	"/System/Library/Fonts/AppleSDGothicNeo.ttc",
}

// ObjectStore is the slice of the storage layer the pipeline needs: pulling
// generated clips into the workdir and pushing the final video out.
type ObjectStore interface {
	DownloadToFile(ctx context.Context, key, localPath string) error
	UploadFile(ctx context.Context, localPath, key, contentType string) error
}

// FFmpegService assembles the final video for an order.
type FFmpegService struct {
	store    ObjectStore
	workDir  string
	bgmDir   string
	fontPath string
}

// NewFFmpegService creates the assembly service.
// workDir is the root under which per-order working directories are created.
// bgmDir holds the bundled background music tracks (<track>.mp3).
// fontPath is the bundled title font; empty means rely on system fonts.
func NewFFmpegService(store ObjectStore, workDir, bgmDir, fontPath string) *FFmpegService {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		panic(fmt.Sprintf("failed to create work dir: %v", err))
	}

	return &FFmpegService{
		store:    store,
		workDir:  workDir,
		bgmDir:   bgmDir,
		fontPath: fontPath,
	}
}

// MergeClipsWithMusic runs the full assembly for an order and returns the
// storage key of the uploaded final video.
//
// Stages: intro title card → download clips (sort order) → concat →
// background music → final encode → upload. Every photo must already have a
// generated clip. The per-order working directory is removed on all paths.
func (s *FFmpegService) MergeClipsWithMusic(ctx context.Context, order *models.Order, photos []models.Photo) (string, error) {
	if len(photos) == 0 {
		return "", fmt.Errorf("no photos to assemble for order %s", order.ID)
	}

	workdir := filepath.Join(s.workDir, order.ID.String())
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return "", fmt.Errorf("failed to create order workdir: %w", err)
	}
	defer os.RemoveAll(workdir)

	log.Printf("[FFmpeg] Assembling order %s (%d clips) in %s", order.ID, len(photos), workdir)

	// Stage 1: intro title card
	title := models.DefaultIntroTitle
	if order.IntroTitle != nil && *order.IntroTitle != "" {
		title = *order.IntroTitle
	}
	introPath := filepath.Join(workdir, "intro.mp4")
	if err := s.createIntroClip(ctx, introPath, title); err != nil {
		return "", fmt.Errorf("failed to create intro clip: %w", err)
	}

	// Stage 2: download clips, intro first
	clipPaths := []string{introPath}
	for _, photo := range photos {
		if photo.ClipKey == nil || *photo.ClipKey == "" {
			return "", fmt.Errorf("photo %s has no generated clip", photo.ID)
		}
		localPath := filepath.Join(workdir, fmt.Sprintf("clip_%02d.mp4", photo.SortOrder))
		if err := s.store.DownloadToFile(ctx, *photo.ClipKey, localPath); err != nil {
			return "", fmt.Errorf("failed to download clip %s: %w", *photo.ClipKey, err)
		}
		clipPaths = append(clipPaths, localPath)
	}

	// Stage 3: concat without re-encoding
	mergedPath := filepath.Join(workdir, "merged.mp4")
	if err := s.concatenateClips(ctx, workdir, clipPaths, mergedPath); err != nil {
		return "", fmt.Errorf("failed to concatenate clips: %w", err)
	}

	// Stage 4+5: background music + final encode
	finalPath := filepath.Join(workdir, "final.mp4")
	if err := s.encodeFinal(ctx, mergedPath, order.BGMTrack, finalPath); err != nil {
		return "", fmt.Errorf("failed to encode final video: %w", err)
	}

	// Stage 6: publish
	outputKey := fmt.Sprintf("results/%s/final.mp4", order.ID)
	if err := s.store.UploadFile(ctx, finalPath, outputKey, "video/mp4"); err != nil {
		return "", fmt.Errorf("failed to upload final video: %w", err)
	}

	log.Printf("[FFmpeg] Order %s assembled and uploaded to %s", order.ID, outputKey)
	return outputKey, nil
}

// createIntroClip renders a 4-second black title card with the intro text
// fading in and out. A missing font never fails the pipeline — the card is
// rendered without text instead.
func (s *FFmpegService) createIntroClip(ctx context.Context, outputPath, title string) error {
	baseArgs := []string{
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=black:s=%dx%d:d=%d:r=%d", finalWidth, finalHeight, introDuration, finalFPS),
	}
	tailArgs := []string{
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	}

	fontPath := s.resolveFont()
	if fontPath != "" {
		// Fade in over the first 0.5s, hold, fade out over the last 0.5s
		drawtext := fmt.Sprintf(
			"drawtext=fontfile='%s':text='%s':fontcolor=white:fontsize=64:x=(w-text_w)/2:y=(h-text_h)/2:alpha='if(lt(t,0.5),t/0.5,if(lt(t,%d),1,(%d-t)/0.5))'",
			escapeFFmpegFilterPath(fontPath),
			escapeFFmpegFilterText(title),
			introDuration-1, introDuration,
		)

		args := append(append([]string{}, baseArgs...), "-vf", drawtext)
		args = append(args, tailArgs...)
		if err := s.runFFmpeg(ctx, args); err == nil {
			return nil
		} else {
			log.Printf("[FFmpeg] Intro drawtext failed, falling back to plain card: %v", err)
		}
	} else {
		log.Printf("[FFmpeg] No usable title font found, rendering intro without text")
	}

	// Plain black card — keeps the pipeline moving when fonts are unusable
	args := append(append([]string{}, baseArgs...), tailArgs...)
	return s.runFFmpeg(ctx, args)
}

// resolveFont returns the first usable font path: the bundled font if
// configured, then the known system fonts. Empty means no text can be drawn.
func (s *FFmpegService) resolveFont() string {
	if s.fontPath != "" {
		if _, err := os.Stat(s.fontPath); err == nil {
			return s.fontPath
		}
		log.Printf("[FFmpeg] Bundled font not found at %s, trying system fonts", s.fontPath)
	}
	for _, path := range systemFonts {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// concatenateClips joins the clips with the concat demuxer, copying streams
// without re-encoding. Normalization happens in the final encode.
func (s *FFmpegService) concatenateClips(ctx context.Context, workdir string, clipPaths []string, outputPath string) error {
	listPath := filepath.Join(workdir, "concat_list.txt")
	f, err := os.Create(listPath)
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}

	for _, path := range clipPaths {
		fmt.Fprintf(f, "file '%s'\n", path)
	}
	f.Close()

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	}

	return s.runFFmpeg(ctx, args)
}

// encodeFinal produces the deliverable: merged video normalized to 1920x1080
// (letterboxed, 30fps, libx264 crf 18) with the background music underneath.
//
// Music resolution: the order's track → bgm_01 → synthesized silence. The
// silence path keeps the output format identical (an audio stream is always
// present) so downstream players behave the same.
func (s *FFmpegService) encodeFinal(ctx context.Context, mergedPath, bgmTrack, outputPath string) error {
	scaleFilter := fmt.Sprintf(
		"[0:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,fps=%d[v]",
		finalWidth, finalHeight, finalWidth, finalHeight, finalFPS,
	)

	var args []string

	bgmPath, ok := s.resolveBGM(bgmTrack)
	if ok {
		log.Printf("[FFmpeg] Using background music %s", bgmPath)
		args = []string{
			"-i", mergedPath,
			"-stream_loop", "-1", // Loop the music for the full video length
			"-i", bgmPath,
		}
	} else {
		// Silence duration covers the video with headroom; -shortest trims it
		durationMs, err := s.GetVideoDuration(ctx, mergedPath)
		if err != nil {
			return fmt.Errorf("failed to probe merged duration: %w", err)
		}
		silenceSec := durationMs/1000 + 5
		log.Printf("[FFmpeg] No background music available, synthesizing %ds of silence", silenceSec)
		args = []string{
			"-i", mergedPath,
			"-f", "lavfi",
			"-t", fmt.Sprintf("%d", silenceSec),
			"-i", "anullsrc=channel_layout=stereo:sample_rate=44100",
		}
	}

	args = append(args,
		"-filter_complex", scaleFilter,
		"-map", "[v]",
		"-map", "1:a",
		"-c:v", "libx264",
		"-crf", "18",
		"-preset", "medium",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	)

	return s.runFFmpeg(ctx, args)
}

// resolveBGM maps a track id to a bundled music file, falling back to the
// default track. The second return is false when nothing playable exists.
func (s *FFmpegService) resolveBGM(track string) (string, bool) {
	if track != "" {
		path := filepath.Join(s.bgmDir, track+".mp3")
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
		log.Printf("[FFmpeg] BGM track %q not found, falling back to %s", track, models.DefaultBGMTrack)
	}

	fallback := filepath.Join(s.bgmDir, models.DefaultBGMTrack+".mp3")
	if _, err := os.Stat(fallback); err == nil {
		return fallback, true
	}

	return "", false
}

// GetVideoDuration returns the duration of a video file in milliseconds using ffprobe.
func (s *FFmpegService) GetVideoDuration(ctx context.Context, videoPath string) (int, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe video duration failed: %w", err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse video duration: %w", err)
	}

	return int(durationSec * 1000), nil
}

// runFFmpeg executes ffmpeg with the given args, capturing combined output.
// On failure the error carries the exit status and the tail of the output,
// which is where ffmpeg writes the actual failure reason.
func (s *FFmpegService) runFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		tail := string(output)
		if len(tail) > ffmpegErrTail {
			tail = tail[len(tail)-ffmpegErrTail:]
		}
		return fmt.Errorf("ffmpeg failed: %w (output tail: %s)", err, tail)
	}
	return nil
}

// escapeFFmpegFilterPath escapes special characters in file paths for FFmpeg filter syntax.
// FFmpeg filter strings treat colons, backslashes, and single quotes specially.
func escapeFFmpegFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}

// escapeFFmpegFilterText escapes user-provided text for a drawtext filter.
// Besides the filter metacharacters, % starts a drawtext expansion sequence.
func escapeFFmpegFilterText(text string) string {
	text = strings.ReplaceAll(text, "\\", "\\\\")
	text = strings.ReplaceAll(text, ":", "\\:")
	text = strings.ReplaceAll(text, "'", "'\\''")
	text = strings.ReplaceAll(text, "%", "\\%")
	return text
}
