// Package source classifies and validates the input handed to detector scripts.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the type of input being processed.
type Kind int

const (
	KindUnknown Kind = iota
	KindImage
	KindVideo
	KindCamera
	KindDirectory
	KindStream
)

// Supported file extensions
var (
	ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp"}
	VideoExtensions = []string{".mp4", ".avi", ".mov"}
)

var (
	// ErrNotFound is returned when a local source does not exist.
	ErrNotFound = errors.New("source not found")
	// ErrUnsupported is returned for files with an unsupported extension.
	ErrUnsupported = errors.New("unsupported source")
	// ErrUnreadable is returned when a file exists but cannot be decoded.
	ErrUnreadable = errors.New("unreadable source")
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	case KindCamera:
		return "camera"
	case KindDirectory:
		return "directory"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Info describes a probed source.
type Info struct {
	Path   string
	Kind   Kind
	Width  int
	Height int
	Frames int     // videos only
	FPS    float64 // videos only
}

func (i Info) String() string {
	switch i.Kind {
	case KindImage:
		return fmt.Sprintf("%s %s %dx%d", i.Kind, i.Path, i.Width, i.Height)
	case KindVideo:
		return fmt.Sprintf("%s %s %dx%d %d frames @ %.1f fps", i.Kind, i.Path, i.Width, i.Height, i.Frames, i.FPS)
	default:
		return fmt.Sprintf("%s %s", i.Kind, i.Path)
	}
}

// Prober inspects a source before a detector is launched on it.
type Prober interface {
	Probe(ctx context.Context, path string) (Info, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, path string) (Info, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, path string) (Info, error) {
	return f(ctx, path)
}

// Classify determines the kind of a source string without opening it.
// Local paths that do not exist are still classified by extension.
func Classify(path string) Kind {
	lower := strings.ToLower(path)
	for _, scheme := range []string{"rtsp://", "rtmp://", "http://", "https://"} {
		if strings.HasPrefix(lower, scheme) {
			return KindStream
		}
	}

	if _, err := strconv.Atoi(path); err == nil {
		return KindCamera
	}

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return KindDirectory
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case contains(ImageExtensions, ext):
		return KindImage
	case contains(VideoExtensions, ext):
		return KindVideo
	default:
		return KindUnknown
	}
}

// Stat is a Prober that only checks the source exists and has a supported
// extension. It never decodes the file.
var Stat = ProberFunc(func(_ context.Context, path string) (Info, error) {
	return Check(path)
})

// Check classifies a source and verifies local files exist.
func Check(path string) (Info, error) {
	info := Info{Path: path, Kind: Classify(path)}

	switch info.Kind {
	case KindStream, KindCamera, KindDirectory:
		return info, nil
	case KindUnknown:
		return info, errors.Wrapf(ErrUnsupported, "%s: extension %q, supported: %v %v",
			path, filepath.Ext(path), ImageExtensions, VideoExtensions)
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return info, errors.Wrap(ErrNotFound, path)
		}
		return info, errors.Wrapf(err, "stat %s", path)
	}

	return info, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
