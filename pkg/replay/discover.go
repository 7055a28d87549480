package replay

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/getmockd/mqtt-recorder/pkg/naming"
)

// Discover returns every recording file below dir, sorted by path. When
// start or end is set, only files whose name decodes to a time within the
// inclusive bounds are kept; names that decode to no time are dropped.
// File names are interpreted in loc (time.Local when nil).
func Discover(dir string, start, end *time.Time, loc *time.Location) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("replay directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("replay directory: %s is not a directory", dir)
	}

	matches, err := doublestar.Glob(os.DirFS(dir), "**/*"+naming.RecordExt, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}

	files := make([]string, 0, len(matches))
	for _, m := range matches {
		path := filepath.Join(dir, filepath.FromSlash(m))
		if start != nil || end != nil {
			t, ok := naming.ParseFileTime(path, loc)
			if !ok || !inRange(t, start, end) {
				continue
			}
		}
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

func inRange(t time.Time, start, end *time.Time) bool {
	if start != nil && t.Before(*start) {
		return false
	}
	if end != nil && t.After(*end) {
		return false
	}
	return true
}
