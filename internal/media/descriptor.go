package media

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"strconv"

	"tubarr/internal/domain"
)

// NFOWriter emits the episode descriptor media servers such as Jellyfin and
// Kodi read, next to the media file.
type NFOWriter struct{}

func NewNFOWriter() *NFOWriter {
	return &NFOWriter{}
}

type episodeDetails struct {
	XMLName   xml.Name `xml:"episodedetails"`
	Title     string   `xml:"title"`
	ShowTitle string   `xml:"showtitle"`
	Season    string   `xml:"season"`
	Episode   int      `xml:"episode"`
	Plot      string   `xml:"plot,omitempty"`
	Aired     string   `xml:"aired,omitempty"`
	Runtime   int      `xml:"runtime,omitempty"`
}

func (w *NFOWriter) Write(ctx context.Context, job domain.Job, item domain.WorkItem,
	meta domain.ItemMetadata, mediaPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	title := meta.Title
	if title == "" {
		title = item.Title
	}
	details := episodeDetails{
		Title:     title,
		ShowTitle: job.ShowName,
		Season:    seasonNumber(job.Season),
		Episode:   item.SequenceNum,
		Plot:      meta.Description,
	}
	if !meta.UploadDate.IsZero() {
		details.Aired = meta.UploadDate.Format("2006-01-02")
	}
	if meta.DurationSec > 0 {
		details.Runtime = (meta.DurationSec + 59) / 60
	}

	data, err := xml.MarshalIndent(details, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal descriptor: %w", err)
	}

	path := trimExt(mediaPath) + ".nfo"
	content := append([]byte(xml.Header), data...)
	content = append(content, '\n')
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// seasonNumber strips zero-padding so "02" renders as "2" in the descriptor.
func seasonNumber(season string) string {
	if n, err := strconv.Atoi(season); err == nil {
		return strconv.Itoa(n)
	}
	return season
}
