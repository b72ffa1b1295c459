// Package cvprobe opens local images and videos with OpenCV to confirm a
// detector will be able to read them.
package cvprobe

import (
	"context"

	"github.com/nvr-ai/loadswitch/source"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Prober decodes images and opens videos through gocv.
type Prober struct{}

// New returns a gocv backed prober.
func New() *Prober {
	return &Prober{}
}

// Probe checks the source and, for local images and videos, reads its dimensions.
//
// Arguments:
//   - ctx: Unused; probing a local file does not block on the network.
//   - path: The source path.
//
// Returns:
//   - source.Info: The probed source.
//   - error: source.ErrNotFound, source.ErrUnsupported or source.ErrUnreadable.
func (p *Prober) Probe(_ context.Context, path string) (source.Info, error) {
	info, err := source.Check(path)
	if err != nil {
		return info, err
	}

	switch info.Kind {
	case source.KindImage:
		return probeImage(info)
	case source.KindVideo:
		return probeVideo(info)
	default:
		return info, nil
	}
}

func probeImage(info source.Info) (source.Info, error) {
	img := gocv.IMRead(info.Path, gocv.IMReadColor)
	defer img.Close()

	if img.Empty() {
		return info, errors.Wrapf(source.ErrUnreadable, "error reading image: %s", info.Path)
	}

	info.Width = img.Cols()
	info.Height = img.Rows()
	return info, nil
}

func probeVideo(info source.Info) (source.Info, error) {
	vc, err := gocv.VideoCaptureFile(info.Path)
	if err != nil {
		return info, errors.Wrapf(source.ErrUnreadable, "error opening video %s: %v", info.Path, err)
	}
	defer vc.Close()

	if !vc.IsOpened() {
		return info, errors.Wrapf(source.ErrUnreadable, "error opening video: %s", info.Path)
	}

	info.Width = int(vc.Get(gocv.VideoCaptureFrameWidth))
	info.Height = int(vc.Get(gocv.VideoCaptureFrameHeight))
	info.Frames = int(vc.Get(gocv.VideoCaptureFrameCount))
	info.FPS = vc.Get(gocv.VideoCaptureFPS)
	return info, nil
}
