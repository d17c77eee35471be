package util

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FramePrefix is the file name prefix of numbered frame images.
const FramePrefix = "frame-"

// FrameFile is one numbered image of an image-sequence directory.
type FrameFile struct {
	// Path is the path to the image file.
	Path string
	// Frame is the frame number parsed from the file name.
	Frame int
}

// ListFrameFiles lists the frame images of a directory.
//
// Only files named frame-<N>.<ext> with a jpg, jpeg, png or webp extension are
// returned. Other files are ignored.
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []FrameFile: Frame files sorted by frame number.
// - error: Error if the directory cannot be read or two files share a frame number.
func ListFrameFiles(dir string) ([]FrameFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read frame directory %s", dir)
	}

	var frames []FrameFile
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		frame, ok := ParseFrameName(entry.Name())
		if !ok {
			continue
		}
		if prev, dup := seen[frame]; dup {
			return nil, errors.Errorf("frame %d appears twice: %s and %s", frame, prev, entry.Name())
		}
		seen[frame] = entry.Name()
		frames = append(frames, FrameFile{
			Path:  filepath.Join(dir, entry.Name()),
			Frame: frame,
		})
	}

	sort.Slice(frames, func(i, j int) bool {
		return frames[i].Frame < frames[j].Frame
	})

	return frames, nil
}

// ParseFrameName extracts the frame number from a frame-<N>.<ext> file name.
func ParseFrameName(name string) (int, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp":
	default:
		return 0, false
	}
	if !strings.HasPrefix(name, FramePrefix) {
		return 0, false
	}
	frame, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, FramePrefix), filepath.Ext(name)))
	if err != nil || frame < 0 {
		return 0, false
	}
	return frame, true
}
