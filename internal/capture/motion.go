package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

const (
	// motionWidth is the width frames are scaled to before comparison.
	motionWidth = 160
	// pixelDiffThreshold is the minimum grayscale delta for a pixel to
	// count as changed, out of 255.
	pixelDiffThreshold = 30
)

// MotionGate decides whether a frame differs enough from the previous
// one to be worth running inference on. The gate is per stream and not
// safe for concurrent use; each watcher owns its own.
type MotionGate struct {
	threshold float64 // fraction of pixels that must change
	previous  *image.Gray
}

// NewMotionGate creates a gate passing frames whose changed pixel
// fraction is at least threshold. A non-positive threshold defaults
// to 0.1.
func NewMotionGate(threshold float64) *MotionGate {
	if threshold <= 0 {
		threshold = 0.1
	}
	return &MotionGate{threshold: threshold}
}

// ShouldProcess reports whether the JPEG frame shows enough motion.
// The first frame after creation or Reset always passes. A frame that
// fails to decode returns a non-nil error and is skipped, except when
// no previous frame is held: with nothing to compare against the gate
// fails open rather than silence a stream of undecodable frames.
func (g *MotionGate) ShouldProcess(frame []byte) (bool, error) {
	gray, err := decodeGray(frame)
	if err != nil {
		return g.previous == nil, err
	}
	prev := g.previous
	g.previous = gray
	if prev == nil {
		return true, nil
	}
	return changedRatio(prev, gray) >= g.threshold, nil
}

// Reset forgets the previous frame so the next one passes unconditionally.
// Called after a reconnect, where the scene may have legitimately changed.
func (g *MotionGate) Reset() {
	g.previous = nil
}

func decodeGray(frame []byte) (*image.Gray, error) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("error decoding frame: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("empty frame %dx%d", bounds.Dx(), bounds.Dy())
	}

	height := bounds.Dy() * motionWidth / bounds.Dx()
	if height < 1 {
		height = 1
	}
	gray := image.NewGray(image.Rect(0, 0, motionWidth, height))
	draw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, bounds, draw.Src, nil)
	return gray, nil
}

func changedRatio(a, b *image.Gray) float64 {
	if !a.Bounds().Eq(b.Bounds()) {
		return 1.0
	}
	changed := 0
	total := len(a.Pix)
	for i := 0; i < total; i++ {
		diff := int(a.Pix[i]) - int(b.Pix[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > pixelDiffThreshold {
			changed++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(changed) / float64(total)
}
