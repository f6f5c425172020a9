package registration

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"microreg/internal/volume"
)

// CentroidEngine aligns intensity centroids with a pure translation. It needs
// no external program and only handles Translation.
type CentroidEngine struct{}

// NewCentroidEngine returns the built-in engine.
func NewCentroidEngine() *CentroidEngine { return &CentroidEngine{} }

func (e *CentroidEngine) Name() string { return "centroid" }

func (e *CentroidEngine) IsAvailable() bool { return true }

func (e *CentroidEngine) Supports(t Transform) bool { return t == Translation }

func (e *CentroidEngine) Register(ctx context.Context, fixed, moving *volume.FloatImage, t Transform) (Result, error) {
	if !e.Supports(t) {
		return Result{}, fmt.Errorf("centroid engine does not support %s", t)
	}
	cf, err := Centroid(fixed)
	if err != nil {
		return Result{}, fmt.Errorf("fixed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	cm, err := Centroid(moving)
	if err != nil {
		return Result{}, fmt.Errorf("moving: %w", err)
	}

	// shift maps a fixed-space point onto the matching moving-space point
	var shift [3]float64
	for i := range shift {
		shift[i] = cm[i] - cf[i]
	}

	warpedMoving, err := resample(ctx, fixed, func(p [3]float64) float64 {
		return moving.Sample(p[0]+shift[0], p[1]+shift[1], p[2]+shift[2])
	})
	if err != nil {
		return Result{}, err
	}
	warpedFixed, err := resample(ctx, moving, func(p [3]float64) float64 {
		return fixed.Sample(p[0]-shift[0], p[1]-shift[1], p[2]-shift[2])
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		WarpedMoving: warpedMoving,
		WarpedFixed:  warpedFixed,
		Parameters:   map[string]any{"shift": shift},
	}, nil
}

// Centroid returns the intensity-weighted physical centre of f in spatial axes.
func Centroid(f *volume.FloatImage) ([3]float64, error) {
	if err := f.Validate(); err != nil {
		return [3]float64{}, err
	}
	dims := f.SpatialDims()
	sp := f.SpatialSpacing()
	n := dims[0] * dims[1] * dims[2]

	coords := [3][]float64{make([]float64, 0, n), make([]float64, 0, n), make([]float64, 0, n)}
	weights := make([]float64, 0, n)
	var total float64
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				w := float64(f.At(x, y, z))
				if w < 0 {
					w = 0
				}
				coords[0] = append(coords[0], float64(x)*sp[0])
				coords[1] = append(coords[1], float64(y)*sp[1])
				coords[2] = append(coords[2], float64(z)*sp[2])
				weights = append(weights, w)
				total += w
			}
		}
	}
	if total == 0 {
		return [3]float64{}, fmt.Errorf("volume has no intensity")
	}
	var c [3]float64
	for i := range c {
		c[i] = stat.Mean(coords[i], weights)
	}
	return c, nil
}

// resample builds an image on grid's lattice whose voxel at physical p is fn(p).
func resample(ctx context.Context, grid *volume.FloatImage, fn func(p [3]float64) float64) (*volume.FloatImage, error) {
	dims := grid.SpatialDims()
	sp := grid.SpatialSpacing()
	out, err := volume.NewFloat(dims, sp, volume.SpatialOrder)
	if err != nil {
		return nil, err
	}
	for x := 0; x < dims[0]; x++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for y := 0; y < dims[1]; y++ {
			for z := 0; z < dims[2]; z++ {
				p := [3]float64{float64(x) * sp[0], float64(y) * sp[1], float64(z) * sp[2]}
				out.Set(x, y, z, float32(fn(p)))
			}
		}
	}
	return out, nil
}
