// Package audiotag reads embedded ID3/Vorbis/MP4 tag metadata from audio
// files, used to fill in title/performer attachment fields and cover art
// for audio sends the extractor couldn't label any other way.
package audiotag

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dhowden/tag"
)

// Metadata is the subset of tag fields an audio upload cares about.
type Metadata struct {
	Title     string
	Performer string
	Cover     string // path to an extracted cover image, empty if none embedded
}

// Read extracts Metadata from path. Missing or unreadable tags are not an
// error — the zero Metadata is returned so the caller falls back to
// filename-derived defaults.
func Read(path string) Metadata {
	f, err := os.Open(path)
	if err != nil {
		slog.Debug("audiotag: could not open file", "path", path, "error", err)
		return Metadata{}
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		slog.Debug("audiotag: could not read tags", "path", path, "error", err)
		return Metadata{}
	}

	meta := Metadata{Title: m.Title(), Performer: m.Artist()}

	if pic := m.Picture(); pic != nil && len(pic.Data) > 0 {
		if cover, err := writeCover(path, pic); err != nil {
			slog.Debug("audiotag: could not extract embedded cover", "path", path, "error", err)
		} else {
			meta.Cover = cover
		}
	}

	return meta
}

func writeCover(audioPath string, pic *tag.Picture) (string, error) {
	ext := ".jpg"
	if pic.Ext != "" {
		ext = "." + pic.Ext
	}
	dir := filepath.Dir(audioPath)
	base := fileNameWithoutExt(audioPath)
	coverPath := filepath.Join(dir, base+".cover"+ext)

	out, err := os.Create(coverPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, bytes.NewReader(pic.Data)); err != nil {
		return "", err
	}
	return coverPath, nil
}

func fileNameWithoutExt(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}
