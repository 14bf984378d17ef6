package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentable/keepsake/internal/models"
)

func touchFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
}

func TestEscapeFFmpegFilterPath(t *testing.T) {
	assert.Equal(t, "/tmp/plain.mp4", escapeFFmpegFilterPath("/tmp/plain.mp4"))
	assert.Equal(t, "C\\:\\\\work", escapeFFmpegFilterPath("C:\\work"))
	assert.Equal(t, "/tmp/it'\\''s.mp4", escapeFFmpegFilterPath("/tmp/it's.mp4"))
}

func TestEscapeFFmpegFilterText(t *testing.T) {
	assert.Equal(t, "Our Precious Moments", escapeFFmpegFilterText("Our Precious Moments"))
	assert.Equal(t, "100\\% Love", escapeFFmpegFilterText("100% Love"))
	assert.Equal(t, "mom '\\''&'\\'' dad", escapeFFmpegFilterText("mom '&' dad"))
	assert.Equal(t, "10\\:30", escapeFFmpegFilterText("10:30"))
}

func TestResolveBGMPrefersSelectedTrack(t *testing.T) {
	bgmDir := t.TempDir()
	touchFile(t, filepath.Join(bgmDir, "bgm_02.mp3"))
	touchFile(t, filepath.Join(bgmDir, models.DefaultBGMTrack+".mp3"))

	s := NewFFmpegService(nil, t.TempDir(), bgmDir, "")

	path, ok := s.resolveBGM("bgm_02")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(bgmDir, "bgm_02.mp3"), path)
}

func TestResolveBGMFallsBackToDefault(t *testing.T) {
	bgmDir := t.TempDir()
	touchFile(t, filepath.Join(bgmDir, models.DefaultBGMTrack+".mp3"))

	s := NewFFmpegService(nil, t.TempDir(), bgmDir, "")

	path, ok := s.resolveBGM("bgm_99")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(bgmDir, models.DefaultBGMTrack+".mp3"), path)
}

func TestResolveBGMReportsNothingPlayable(t *testing.T) {
	s := NewFFmpegService(nil, t.TempDir(), t.TempDir(), "")

	_, ok := s.resolveBGM("bgm_02")
	assert.False(t, ok)
}

func TestResolveFontPrefersBundledFont(t *testing.T) {
	fontPath := filepath.Join(t.TempDir(), "title.ttf")
	touchFile(t, fontPath)

	s := NewFFmpegService(nil, t.TempDir(), t.TempDir(), fontPath)
	assert.Equal(t, fontPath, s.resolveFont())
}

func TestResolveFontMissingBundledFontFallsThrough(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.ttf")

	s := NewFFmpegService(nil, t.TempDir(), t.TempDir(), missing)

	// Falls to the system list; on a bare test machine that may legitimately
	// resolve to a real font or to nothing — either way the bundled path must
	// not come back.
	assert.NotEqual(t, missing, s.resolveFont())
}
