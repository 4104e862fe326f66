package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"tubarr/internal/config"
	"tubarr/internal/domain"
)

// LibraryPublisher moves finished artifacts into the publish root, mirroring
// the show/season layout. With no publish root configured the output
// directory is the library and publishing is a no-op.
type LibraryPublisher struct {
	cfg config.Config
}

func NewLibraryPublisher(cfg config.Config) *LibraryPublisher {
	return &LibraryPublisher{cfg: cfg}
}

func (p *LibraryPublisher) Publish(ctx context.Context, job domain.Job, item domain.WorkItem,
	mediaPath, descriptorPath string) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	root := strings.TrimSpace(p.cfg.PublishRoot)
	if root == "" {
		return mediaPath, descriptorPath, nil
	}

	finalMedia, err := p.moveUnder(root, mediaPath)
	if err != nil {
		return "", "", err
	}
	finalDescriptor := descriptorPath
	if descriptorPath != "" {
		finalDescriptor, err = p.moveUnder(root, descriptorPath)
		if err != nil {
			return "", "", err
		}
	}

	// Thumbnail is cosmetic; a failed move is logged, not fatal.
	thumb := trimExt(mediaPath) + "-thumb.jpg"
	if _, err := os.Stat(thumb); err == nil {
		if _, err := p.moveUnder(root, thumb); err != nil {
			log.Warn("failed to publish thumbnail", "job", job.ID, "item", item.RemoteID, "err", err)
		}
	}
	return finalMedia, finalDescriptor, nil
}

// moveUnder relocates a file into the publish root, preserving its path
// relative to the output directory.
func (p *LibraryPublisher) moveUnder(root, path string) (string, error) {
	rel, err := filepath.Rel(p.cfg.OutputDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(path)
	}
	dst := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := moveFile(path, dst); err != nil {
		return "", err
	}
	return dst, nil
}
