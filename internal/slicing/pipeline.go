package slicing

import (
	"fmt"
	"image"

	"microreg/internal/render"
	"microreg/internal/volume"
)

// SlicePipeline reslices a volume through a draggable plane and maps the
// result through a gray lookup table.
type SlicePipeline struct {
	img        *volume.Image
	lut        LookupTable
	interactor *Interactor
}

// NewSlicePipeline centres a preset plane on img.
func NewSlicePipeline(img *volume.Image, o Orientation, lut LookupTable) (*SlicePipeline, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("slice pipeline: %w", err)
	}
	center := Center(img.SpatialDims(), img.SpatialSpacing(), img.Origin())
	plane, err := NewPlane(o, center)
	if err != nil {
		return nil, fmt.Errorf("slice pipeline: %w", err)
	}
	return &SlicePipeline{
		img:        img,
		lut:        lut,
		interactor: NewInteractor(plane, img.SpatialSpacing(), nil),
	}, nil
}

// Mode reports render.ModeSlice.
func (p *SlicePipeline) Mode() render.Mode { return render.ModeSlice }

// Interactor returns the drag handler bound to the plane.
func (p *SlicePipeline) Interactor() *Interactor { return p.interactor }

// Reslice samples the current plane.
func (p *SlicePipeline) Reslice() (*Slice, error) {
	return Reslice(p.img, p.interactor.Plane())
}

// Render reslices and maps to gray.
func (p *SlicePipeline) Render() (image.Image, error) {
	s, err := p.Reslice()
	if err != nil {
		return nil, err
	}
	return p.lut.Gray(s), nil
}
