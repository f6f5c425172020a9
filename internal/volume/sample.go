package volume

import "math"

// Sample interpolates the volume trilinearly at a physical position given in
// spatial axes (x, y, z). Positions outside the voxel grid read as zero.
func (f *FloatImage) Sample(px, py, pz float64) float64 {
	dims := f.SpatialDims()
	sp := f.SpatialSpacing()
	return trilinear(dims, [3]float64{px / sp[0], py / sp[1], pz / sp[2]}, func(x, y, z int) float64 {
		return float64(f.At(x, y, z))
	})
}

// Sample interpolates the uint16 volume the same way as FloatImage.Sample.
func (img *Image) Sample(px, py, pz float64) float64 {
	dims := img.SpatialDims()
	sp := img.SpatialSpacing()
	return trilinear(dims, [3]float64{px / sp[0], py / sp[1], pz / sp[2]}, func(x, y, z int) float64 {
		return float64(img.At(x, y, z))
	})
}

// edgeTolerance absorbs rounding when a position lands on the grid boundary.
const edgeTolerance = 1e-9

// trilinear interpolates at continuous index c. Each axis must lie within
// [0, n-1]; a size-one axis only accepts 0.
func trilinear(dims [3]int, c [3]float64, at func(x, y, z int) float64) float64 {
	var i0, i1 [3]int
	var t [3]float64
	for a := 0; a < 3; a++ {
		hi := float64(dims[a] - 1)
		if math.IsNaN(c[a]) || c[a] < -edgeTolerance || c[a] > hi+edgeTolerance {
			return 0
		}
		c[a] = math.Max(0, math.Min(hi, c[a]))
		fl := math.Floor(c[a])
		i0[a] = int(fl)
		i1[a] = i0[a] + 1
		t[a] = c[a] - fl
		if i1[a] > dims[a]-1 {
			i1[a] = i0[a]
			t[a] = 0
		}
	}

	c00 := lerp(at(i0[0], i0[1], i0[2]), at(i1[0], i0[1], i0[2]), t[0])
	c10 := lerp(at(i0[0], i1[1], i0[2]), at(i1[0], i1[1], i0[2]), t[0])
	c01 := lerp(at(i0[0], i0[1], i1[2]), at(i1[0], i0[1], i1[2]), t[0])
	c11 := lerp(at(i0[0], i1[1], i1[2]), at(i1[0], i1[1], i1[2]), t[0])
	c0 := lerp(c00, c10, t[1])
	c1 := lerp(c01, c11, t[1])
	return lerp(c0, c1, t[2])
}

func lerp(a, b, t float64) float64 {
	if t == 0 {
		return a
	}
	return a + (b-a)*t
}
