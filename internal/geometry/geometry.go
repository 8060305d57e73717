// Package geometry maps detection rectangles between sensor and display space.
package geometry

import (
	"fmt"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/types"
)

// Transform maps sensor-space rectangles into the preview view.
type Transform struct {
	previewW, previewH int
	viewW, viewH       int
	orientation        int
	frontFacing        bool
	mirrorH, mirrorV   bool
	hRatio, vRatio     float64
}

// NewTransform validates d and precomputes the scale ratios.
func NewTransform(d config.DisplayConfig) (*Transform, error) {
	if d.PreviewWidth <= 0 || d.PreviewHeight <= 0 || d.ViewWidth <= 0 || d.ViewHeight <= 0 {
		return nil, fmt.Errorf("non-positive display dimensions: preview %dx%d, view %dx%d",
			d.PreviewWidth, d.PreviewHeight, d.ViewWidth, d.ViewHeight)
	}
	switch d.Orientation {
	case 0, 90, 180, 270:
	default:
		return nil, fmt.Errorf("unsupported orientation %d", d.Orientation)
	}

	t := &Transform{
		previewW:    d.PreviewWidth,
		previewH:    d.PreviewHeight,
		viewW:       d.ViewWidth,
		viewH:       d.ViewHeight,
		orientation: d.Orientation,
		frontFacing: d.FrontFacing,
		mirrorH:     d.MirrorHorizontal,
		mirrorV:     d.MirrorVertical,
	}
	// A rotated sensor fills the view with its axes swapped
	if d.Orientation%180 == 0 {
		t.hRatio = float64(d.ViewWidth) / float64(d.PreviewWidth)
		t.vRatio = float64(d.ViewHeight) / float64(d.PreviewHeight)
	} else {
		t.hRatio = float64(d.ViewHeight) / float64(d.PreviewWidth)
		t.vRatio = float64(d.ViewWidth) / float64(d.PreviewHeight)
	}
	return t, nil
}

// ToDisplay scales, rotates and mirrors a sensor rectangle into view coordinates.
func (t *Transform) ToDisplay(r types.Rect) types.Rect {
	s := types.Rect{
		Left:   int(float64(r.Left) * t.hRatio),
		Right:  int(float64(r.Right) * t.hRatio),
		Top:    int(float64(r.Top) * t.vRatio),
		Bottom: int(float64(r.Bottom) * t.vRatio),
	}
	w, h := t.viewW, t.viewH

	var out types.Rect
	switch t.orientation {
	case 0:
		if t.frontFacing {
			out.Left, out.Right = w-s.Right, w-s.Left
		} else {
			out.Left, out.Right = s.Left, s.Right
		}
		out.Top, out.Bottom = s.Top, s.Bottom
	case 90:
		out.Left, out.Right = w-s.Bottom, w-s.Top
		if t.frontFacing {
			out.Top, out.Bottom = h-s.Right, h-s.Left
		} else {
			out.Top, out.Bottom = s.Left, s.Right
		}
	case 180:
		out.Top, out.Bottom = h-s.Bottom, h-s.Top
		if t.frontFacing {
			out.Left, out.Right = s.Left, s.Right
		} else {
			out.Left, out.Right = w-s.Right, w-s.Left
		}
	case 270:
		out.Left, out.Right = s.Top, s.Bottom
		if t.frontFacing {
			out.Top, out.Bottom = s.Left, s.Right
		} else {
			out.Top, out.Bottom = h-s.Right, h-s.Left
		}
	}

	if t.mirrorH {
		out.Left, out.Right = w-out.Right, w-out.Left
	}
	if t.mirrorV {
		out.Top, out.Bottom = h-out.Bottom, h-out.Top
	}
	return out
}

// ToSecondary translates an RGB-sensor rectangle into the IR sensor's space.
func ToSecondary(r types.Rect, dx, dy int) types.Rect {
	return r.Offset(dx, dy)
}

// IoU returns the intersection-over-union of a and b
func IoU(a, b types.Rect) float64 {
	inter := a.Intersect(b).Area()
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	return float64(inter) / float64(union)
}

// Correlate picks the candidate with the highest IoU against target.
// ok is false when no candidate intersects target.
func Correlate(target types.Rect, candidates []types.Rect) (int, bool) {
	best, bestIoU := -1, 0.0
	for i, c := range candidates {
		if v := IoU(target, c); v > bestIoU {
			best, bestIoU = i, v
		}
	}
	return best, best >= 0
}
