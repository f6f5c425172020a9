package volume

import (
	"fmt"
	"math"
)

// Broadcast expands a single spacing value to all three axes.
func Broadcast(s float64) [3]float64 {
	return [3]float64{s, s, s}
}

// ToSpatial converts an array-order uint16 volume (D,H,W) into the spatial-order
// float32 volume (W,H,D) the registration engine consumes. Spacing is permuted
// the same way. An input that is already spatial only changes element type.
func ToSpatial(img *Image) (*FloatImage, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("to spatial: %w", err)
	}

	dims := img.SpatialDims()
	out := &FloatImage{
		Voxels:  make([]float32, len(img.Voxels)),
		Dims:    dims,
		Spacing: img.SpatialSpacing(),
		Order:   SpatialOrder,
	}

	if img.Order == SpatialOrder {
		for i, v := range img.Voxels {
			out.Voxels[i] = float32(v)
		}
		return out, nil
	}

	nx, ny, nz := dims[0], dims[1], dims[2]
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			src := (z*ny + y) * nx
			for x := 0; x < nx; x++ {
				out.Voxels[(x*ny+y)*nz+z] = float32(img.Voxels[src+x])
			}
		}
	}
	return out, nil
}

// ToArray converts a spatial float32 volume back to array-order uint16.
// Values are rounded to nearest and clamped to [0, 65535]; NaN becomes 0.
func ToArray(f *FloatImage) (*Image, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("to array: %w", err)
	}

	sd := f.SpatialDims()
	ss := f.SpatialSpacing()
	out := &Image{
		Voxels:  make([]uint16, len(f.Voxels)),
		Dims:    [3]int{sd[2], sd[1], sd[0]},
		Spacing: [3]float64{ss[2], ss[1], ss[0]},
		Order:   ArrayOrder,
	}

	if f.Order == ArrayOrder {
		for i, v := range f.Voxels {
			out.Voxels[i] = ClampUint16(float64(v))
		}
		return out, nil
	}

	nx, ny, nz := sd[0], sd[1], sd[2]
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			src := (x*ny + y) * nz
			for z := 0; z < nz; z++ {
				out.Voxels[(z*ny+y)*nx+x] = ClampUint16(float64(f.Voxels[src+z]))
			}
		}
	}
	return out, nil
}

// ClampUint16 rounds v to the nearest integer inside the uint16 range.
func ClampUint16(v float64) uint16 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(math.Round(v))
}
