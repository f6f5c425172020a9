package render

import (
	"fmt"
	"image"
	"image/color"

	"microreg/internal/volume"
)

// Pipeline is the render chain active in one slot.
type Pipeline interface {
	Mode() Mode
	Render() (image.Image, error)
}

// VolumePipeline projects a volume along spatial z with maximum intensity and
// maps the projection through a transfer function.
type VolumePipeline struct {
	tf     *TransferFunction
	width  int
	height int
	mip    []uint16
}

// NewVolumePipeline builds the projection for img. It fails for malformed images.
func NewVolumePipeline(img *volume.Image, tf *TransferFunction) (*VolumePipeline, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("volume pipeline: %w", err)
	}
	if tf == nil {
		tf = NewTransferFunction()
	}
	d := img.SpatialDims()
	nx, ny, nz := d[0], d[1], d[2]

	mip := make([]uint16, nx*ny)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				if v := img.At(x, y, z); v > mip[y*nx+x] {
					mip[y*nx+x] = v
				}
			}
		}
	}
	return &VolumePipeline{tf: tf, width: nx, height: ny, mip: mip}, nil
}

// Mode reports ModeVolume.
func (p *VolumePipeline) Mode() Mode { return ModeVolume }

// TransferFunction returns the mapping used by Render.
func (p *VolumePipeline) TransferFunction() *TransferFunction { return p.tf }

// Projection returns the raw maximum-intensity value at column x, row y.
func (p *VolumePipeline) Projection(x, y int) uint16 {
	return p.mip[y*p.width+x]
}

// Render composites the projection over black.
func (p *VolumePipeline) Render() (image.Image, error) {
	out := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			v := float64(p.mip[y*p.width+x])
			c := p.tf.Color.Evaluate(v)
			a := p.tf.Opacity.Evaluate(v)
			out.SetRGBA(x, y, color.RGBA{
				R: to8(c[0] * a),
				G: to8(c[1] * a),
				B: to8(c[2] * a),
				A: 255,
			})
		}
	}
	return out, nil
}

func to8(v float64) uint8 {
	return uint8(clamp01(v)*255 + 0.5)
}
