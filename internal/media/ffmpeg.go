package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"tubarr/internal/config"
)

var audioExtensions = map[string]struct{}{
	".mp3": {}, ".m4a": {}, ".opus": {}, ".ogg": {}, ".flac": {}, ".wav": {},
}

// FfmpegTranscoder converts acquired media to the configured target codec.
// Video goes to an mp4 container; audio-only input is normalized to mp3.
type FfmpegTranscoder struct {
	cfg config.Config
}

func NewFfmpegTranscoder(cfg config.Config) *FfmpegTranscoder {
	return &FfmpegTranscoder{cfg: cfg}
}

func (t *FfmpegTranscoder) Transcode(ctx context.Context, mediaPath string) (string, error) {
	base := trimExt(mediaPath)
	ext := strings.ToLower(filepath.Ext(mediaPath))
	_, audio := audioExtensions[ext]

	targetExt := ".mp4"
	codecArgs := []string{"-c:v", t.cfg.VideoCodec, "-crf", strconv.Itoa(t.cfg.CRF), "-c:a", "copy"}
	if audio {
		targetExt = ".mp3"
		codecArgs = []string{"-vn", "-c:a", "libmp3lame", "-q:a", "2"}
	}

	extra, err := shellquote.Split(t.cfg.FfmpegExtraArgs)
	if err != nil {
		return "", fmt.Errorf("ffmpeg extra args: %w", err)
	}

	// Transcode into an intermediate so a killed run never leaves a truncated
	// file under the final name.
	intermediate := base + ".transcode" + targetExt
	args := []string{"-y", "-i", mediaPath}
	args = append(args, codecArgs...)
	args = append(args, extra...)
	args = append(args, intermediate)

	if _, err := runCommand(ctx, t.cfg.FfmpegPath, args); err != nil {
		os.Remove(intermediate)
		return "", err
	}

	final := base + targetExt
	if err := os.Remove(mediaPath); err != nil && !os.IsNotExist(err) {
		return "", err
	}
	if err := moveFile(intermediate, final); err != nil {
		return "", err
	}
	return final, nil
}

// FrameArtwork extracts a single frame as the item's thumbnail image.
type FrameArtwork struct {
	cfg config.Config
}

func NewFrameArtwork(cfg config.Config) *FrameArtwork {
	return &FrameArtwork{cfg: cfg}
}

func (a *FrameArtwork) Generate(ctx context.Context, mediaPath string) error {
	out := trimExt(mediaPath) + "-thumb.jpg"
	_, err := runCommand(ctx, a.cfg.FfmpegPath,
		[]string{"-y", "-ss", "10", "-i", mediaPath, "-frames:v", "1", "-q:v", "4", out})
	return err
}
