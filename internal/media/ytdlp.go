package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"tubarr/internal/config"
	"tubarr/internal/domain"
)

// YtdlpClient shells out to yt-dlp for remote listings and item downloads.
type YtdlpClient struct {
	cfg config.Config
}

func NewYtdlpClient(cfg config.Config) *YtdlpClient {
	return &YtdlpClient{cfg: cfg}
}

type playlistDump struct {
	Entries []playlistEntry `json:"entries"`
}

type playlistEntry struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	PlaylistIndex int    `json:"playlist_index"`
}

// Listing fetches the flat playlist for a source URL. Positions come from the
// remote playlist index when present, falling back to listing order.
func (c *YtdlpClient) Listing(ctx context.Context, sourceURL string) ([]domain.RemoteItem, error) {
	out, err := runCommand(ctx, c.cfg.YtdlpPath,
		[]string{"--flat-playlist", "--dump-single-json", "--no-warnings", sourceURL})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", sourceURL, err)
	}

	var dump playlistDump
	if err := json.Unmarshal(out, &dump); err != nil {
		return nil, fmt.Errorf("parse listing for %s: %w", sourceURL, err)
	}

	items := make([]domain.RemoteItem, 0, len(dump.Entries))
	for i, entry := range dump.Entries {
		if strings.TrimSpace(entry.ID) == "" {
			continue
		}
		position := entry.PlaylistIndex
		if position <= 0 {
			position = i + 1
		}
		ref := entry.URL
		if ref == "" {
			ref = entry.ID
		}
		items = append(items, domain.RemoteItem{
			ID:       entry.ID,
			Position: position,
			Title:    entry.Title,
			MediaRef: ref,
		})
	}
	return items, nil
}

// Fetch downloads one item plus its .info.json sidecar into the show's season
// directory and returns the path of the media file yt-dlp produced.
func (c *YtdlpClient) Fetch(ctx context.Context, job domain.Job, item domain.WorkItem) (string, error) {
	base, err := artifactBase(c.cfg.OutputDir, job, item)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return "", err
	}

	args := []string{"--no-warnings", "--write-info-json", "-o", base + ".%(ext)s"}
	if job.Kind == domain.KindAudioCollection {
		args = append(args, "-x", "--audio-format", "mp3")
	}
	extra, err := shellquote.Split(c.cfg.YtdlpExtraArgs)
	if err != nil {
		return "", fmt.Errorf("ytdlp extra args: %w", err)
	}
	args = append(args, extra...)
	args = append(args, item.MediaRef)

	if _, err := runCommand(ctx, c.cfg.YtdlpPath, args); err != nil {
		return "", err
	}
	return findMediaFile(base)
}

// findMediaFile locates the downloaded media next to its sidecars. The base
// only contains characters safeFilename allows, so globbing is literal.
func findMediaFile(base string) (string, error) {
	matches, err := filepath.Glob(base + ".*")
	if err != nil {
		return "", err
	}
	for _, match := range matches {
		switch {
		case strings.HasSuffix(match, ".info.json"),
			strings.HasSuffix(match, ".part"),
			strings.HasSuffix(match, ".ytdl"),
			strings.HasSuffix(match, ".jpg"),
			strings.HasSuffix(match, ".png"),
			strings.HasSuffix(match, ".webp"):
			continue
		}
		return match, nil
	}
	return "", fmt.Errorf("no media file produced for %s", filepath.Base(base))
}

// SidecarReader recovers item metadata from the .info.json written during
// acquisition.
type SidecarReader struct{}

func NewSidecarReader() *SidecarReader {
	return &SidecarReader{}
}

type infoSidecar struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	UploadDate  string  `json:"upload_date"`
	Duration    float64 `json:"duration"`
}

func (r *SidecarReader) Extract(ctx context.Context, mediaPath string) (domain.ItemMetadata, error) {
	if err := ctx.Err(); err != nil {
		return domain.ItemMetadata{}, err
	}
	sidecarPath := trimExt(mediaPath) + ".info.json"
	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		return domain.ItemMetadata{}, fmt.Errorf("read sidecar: %w", err)
	}
	var info infoSidecar
	if err := json.Unmarshal(data, &info); err != nil {
		return domain.ItemMetadata{}, fmt.Errorf("parse sidecar: %w", err)
	}
	meta := domain.ItemMetadata{
		Title:       info.Title,
		Description: info.Description,
		DurationSec: int(info.Duration),
	}
	if parsed, err := time.Parse("20060102", info.UploadDate); err == nil {
		meta.UploadDate = parsed
	}
	return meta, nil
}
