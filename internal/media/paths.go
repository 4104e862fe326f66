// Package media implements the external collaborators the pipeline drives:
// yt-dlp acquisition, ffmpeg transcoding and artwork, NFO descriptors, and
// library publication.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"tubarr/internal/domain"
)

var invalidPathChars = regexp.MustCompile(`[^a-zA-Z0-9 ._-]+`)

// artifactBase returns the per-item path prefix (no extension) under the
// output directory: <root>/<show>/Season <nn>/<show label>.
func artifactBase(outputDir string, job domain.Job, item domain.WorkItem) (string, error) {
	root := strings.TrimSpace(outputDir)
	if root == "" {
		return "", fmt.Errorf("output directory is not configured")
	}
	show := safeFilename(job.ShowName)
	if show == "" {
		show = "show"
	}
	name := safeFilename(item.Label(job.Season))
	if name == "" {
		name = safeFilename(item.RemoteID)
	}
	if name == "" {
		return "", fmt.Errorf("cannot derive a file name for item %q", item.RemoteID)
	}
	return filepath.Join(root, show, "Season "+job.Season, name), nil
}

func safeFilename(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	cleaned := invalidPathChars.ReplaceAllString(value, "_")
	cleaned = strings.Trim(cleaned, "._- ")
	if cleaned == "" {
		return ""
	}
	if len(cleaned) > 128 {
		cleaned = cleaned[:128]
	}
	return cleaned
}

func trimExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

func runCommand(ctx context.Context, name string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %v: %s", name, err, stderrTail(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func stderrTail(output string) string {
	output = strings.TrimSpace(output)
	if len(output) > 400 {
		output = "..." + output[len(output)-400:]
	}
	return strings.ReplaceAll(output, "\n", " | ")
}

func moveFile(src, dst string) error {
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && linkErr.Err == syscall.EXDEV {
			in, err := os.Open(src)
			if err != nil {
				return err
			}
			defer in.Close()

			out, err := os.Create(dst)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, in); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
			return os.Remove(src)
		}
		return err
	}
	return nil
}
