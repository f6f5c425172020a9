package slicing

import (
	"fmt"
	"image"
	"math"

	"microreg/internal/volume"
)

// Slice is a resampled 2-D plane. Pix is row-major, Width*Height long.
type Slice struct {
	Width   int
	Height  int
	Spacing [2]float64
	// Origin is the in-plane coordinate of pixel (0,0) relative to the translation.
	Origin [2]float64
	Pix    []float64
}

// At returns the sample at column x, row y.
func (s *Slice) At(x, y int) float64 {
	return s.Pix[y*s.Width+x]
}

// Reslice samples img on the plane with linear interpolation. The output covers
// the volume bounds projected onto the plane axes; pixel spacing is the input
// spacing measured along each axis. Samples outside the volume are zero.
func Reslice(img *volume.Image, p *Plane) (*Slice, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("reslice: %w", err)
	}
	dims := img.SpatialDims()
	sp := img.SpatialSpacing()
	origin := img.Origin()
	t := p.Translation()
	u, v := p.AxisU(), p.AxisV()

	su, sv := axisSpacing(u, sp), axisSpacing(v, sp)
	if su <= 0 || sv <= 0 {
		return nil, fmt.Errorf("reslice: degenerate plane axes")
	}

	umin, umax := math.Inf(1), math.Inf(-1)
	vmin, vmax := math.Inf(1), math.Inf(-1)
	for corner := 0; corner < 8; corner++ {
		var c [3]float64
		for i := 0; i < 3; i++ {
			c[i] = origin[i]
			if corner&(1<<i) != 0 {
				c[i] += sp[i] * float64(dims[i]-1)
			}
			c[i] -= t[i]
		}
		pu, pv := dot(c, u), dot(c, v)
		umin, umax = math.Min(umin, pu), math.Max(umax, pu)
		vmin, vmax = math.Min(vmin, pv), math.Max(vmax, pv)
	}

	w := int(math.Floor((umax-umin)/su+1e-9)) + 1
	h := int(math.Floor((vmax-vmin)/sv+1e-9)) + 1
	out := &Slice{
		Width:   w,
		Height:  h,
		Spacing: [2]float64{su, sv},
		Origin:  [2]float64{umin, vmin},
		Pix:     make([]float64, w*h),
	}
	for j := 0; j < h; j++ {
		pv := vmin + float64(j)*sv
		for i := 0; i < w; i++ {
			pu := umin + float64(i)*su
			var pt [3]float64
			for k := 0; k < 3; k++ {
				pt[k] = t[k] + pu*u[k] + pv*v[k] - origin[k]
			}
			out.Pix[j*w+i] = img.Sample(pt[0], pt[1], pt[2])
		}
	}
	return out, nil
}

// LookupTable maps intensities linearly onto gray levels, black at Lo and
// white at Hi, with zero saturation.
type LookupTable struct {
	Lo float64
	Hi float64
}

// DefaultLookupTable covers the intensity range 0-5000.
func DefaultLookupTable() LookupTable {
	return LookupTable{Lo: 0, Hi: 5000}
}

// Map returns the gray level for v.
func (l LookupTable) Map(v float64) uint8 {
	if l.Hi <= l.Lo {
		if v >= l.Hi {
			return 255
		}
		return 0
	}
	f := (v - l.Lo) / (l.Hi - l.Lo)
	switch {
	case math.IsNaN(f), f <= 0:
		return 0
	case f >= 1:
		return 255
	}
	return uint8(f*255 + 0.5)
}

// Gray maps a slice to an 8-bit image.
func (l LookupTable) Gray(s *Slice) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, s.Width, s.Height))
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			out.Pix[y*out.Stride+x] = l.Map(s.At(x, y))
		}
	}
	return out
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}
