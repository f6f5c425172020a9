package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

var volumeExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
}

// ListVolumes returns all TIFF stacks under root, skipping hidden temp files.
func ListVolumes(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsVolumeFile(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsVolumeFile checks if a file looks like a TIFF stack. Dot-files are
// treated as in-progress writes and ignored.
func IsVolumeFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	_, ok := volumeExts[ext]
	return ok
}
