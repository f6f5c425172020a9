package fsutil

import (
	"log/slog"
	"os"
	"time"

	"microreg/internal/storage"
	"microreg/internal/tiffstack"
)

// CatalogSummary reports what a scan found.
type CatalogSummary struct {
	Volumes  int      `json:"volumes"`
	Invalid  int      `json:"invalid"`
	Paths    []string `json:"paths"`
	Duration string   `json:"duration"`
}

// Describe stats path and its TIFF directory. Unreadable stacks are returned
// with Error set rather than failing.
func Describe(path string) storage.VolumeRecord {
	rec := storage.VolumeRecord{Path: path, Present: true}
	if st, err := os.Stat(path); err == nil {
		rec.SizeBytes = st.Size()
		rec.ModTime = st.ModTime()
	} else {
		rec.Present = false
		rec.Error = err.Error()
		return rec
	}
	info, err := tiffstack.Stat(path)
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	rec.Pages = info.Pages
	rec.Width = info.Width
	rec.Height = info.Height
	rec.BitsPerSample = info.BitsPerSample
	return rec
}

// Catalog scans root and upserts every stack into store.
func Catalog(root string, store *storage.Store, log *slog.Logger) (CatalogSummary, error) {
	start := time.Now()
	paths, err := ListVolumes(root)
	if err != nil {
		return CatalogSummary{}, err
	}
	sum := CatalogSummary{Paths: paths}
	for _, p := range paths {
		rec := Describe(p)
		if rec.Error != "" {
			sum.Invalid++
			if log != nil {
				log.Warn("unreadable volume", "path", p, "error", rec.Error)
			}
		} else {
			sum.Volumes++
		}
		if err := store.UpsertVolume(rec); err != nil {
			return sum, err
		}
	}
	sum.Duration = time.Since(start).String()
	return sum, nil
}
