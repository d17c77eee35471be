package video

import (
	"image"
	"os"

	"github.com/nvr-ai/go-autodetect/common"
	"github.com/nvr-ai/go-autodetect/images"
	"github.com/nvr-ai/go-autodetect/util"
	"github.com/pkg/errors"
)

// DirectorySource serves an image-sequence directory of frame-<N>.<ext> files.
// Frames are decoded on demand.
type DirectorySource struct {
	dir    string
	files  map[int]string
	frames []int
	size   common.Size
}

// OpenDirectory indexes a frame directory and reads the frame size from its
// lowest-numbered frame.
func OpenDirectory(dir string) (*DirectorySource, error) {
	list, err := util.ListFrameFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.Errorf("no frame files in %s", dir)
	}

	src := &DirectorySource{
		dir:    dir,
		files:  make(map[int]string, len(list)),
		frames: make([]int, 0, len(list)),
	}
	for _, f := range list {
		src.files[f.Frame] = f.Path
		src.frames = append(src.frames, f.Frame)
	}

	first, err := src.Frame(src.frames[0])
	if err != nil {
		return nil, err
	}
	src.size = common.SizeFrom(first.Bounds())
	return src, nil
}

// Frame decodes the file of a frame number.
func (d *DirectorySource) Frame(index int) (image.Image, error) {
	path, ok := d.files[index]
	if !ok {
		return nil, errors.Errorf("frame %d not found in %s", index, d.dir)
	}
	format, ok := images.FormatFromPath(path)
	if !ok {
		return nil, errors.Errorf("unsupported frame file %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open frame %d", index)
	}
	defer f.Close()

	return images.Decode(f, format)
}

// Size returns the size of the first frame.
func (d *DirectorySource) Size() common.Size { return d.size }

// Frames returns the available frame numbers in ascending order.
func (d *DirectorySource) Frames() []int { return d.frames }

// LastFrame returns the highest available frame number.
func (d *DirectorySource) LastFrame() int { return d.frames[len(d.frames)-1] }
