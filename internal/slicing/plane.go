// Package slicing resamples oblique 2-D planes out of a volume and drives
// the drag interaction that moves them.
package slicing

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Orientation names a reslice axes preset.
type Orientation int

const (
	Coronal Orientation = iota
	Sagittal
)

func (o Orientation) String() string {
	switch o {
	case Coronal:
		return "coronal"
	case Sagittal:
		return "sagittal"
	default:
		return fmt.Sprintf("Orientation(%d)", int(o))
	}
}

// ParseOrientation maps "coronal" or "sagittal" to an Orientation.
func ParseOrientation(s string) (Orientation, error) {
	switch s {
	case "coronal":
		return Coronal, nil
	case "sagittal":
		return Sagittal, nil
	}
	return 0, fmt.Errorf("unknown orientation %q", s)
}

// Rotation parts of the presets, row-major.
var presets = map[Orientation][9]float64{
	Coronal: {
		1, 0, 0,
		0, -1, 0,
		0, 0, 1,
	},
	Sagittal: {
		0, 0, -1,
		1, 0, 0,
		0, -1, 0,
	},
}

// Center returns the physical centre of a volume whose index bounds run from
// 0 to dims[i]-1 on each axis.
func Center(dims [3]int, spacing, origin [3]float64) [3]float64 {
	var c [3]float64
	for i := range c {
		lo, hi := 0.0, float64(dims[i]-1)
		c[i] = origin[i] + spacing[i]*0.5*(lo+hi)
	}
	return c
}

// Plane is a 4x4 reslice axes matrix. Columns 0 and 1 span the slice, column 2
// is its normal and column 3 holds the translation.
type Plane struct {
	Orientation Orientation
	axes        *mat.Dense
}

// NewPlane builds the preset for o translated to center.
func NewPlane(o Orientation, center [3]float64) (*Plane, error) {
	rot, ok := presets[o]
	if !ok {
		return nil, fmt.Errorf("no preset for %v", o)
	}
	data := []float64{
		rot[0], rot[1], rot[2], center[0],
		rot[3], rot[4], rot[5], center[1],
		rot[6], rot[7], rot[8], center[2],
		0, 0, 0, 1,
	}
	return &Plane{Orientation: o, axes: mat.NewDense(4, 4, data)}, nil
}

// Axes returns a copy of the matrix.
func (p *Plane) Axes() *mat.Dense {
	return mat.DenseCopyOf(p.axes)
}

// Translation returns rows 0-2 of column 3.
func (p *Plane) Translation() [3]float64 {
	return p.column(3)
}

// Normal returns column 2.
func (p *Plane) Normal() [3]float64 {
	return p.column(2)
}

// AxisU and AxisV return the in-plane directions.
func (p *Plane) AxisU() [3]float64 { return p.column(0) }
func (p *Plane) AxisV() [3]float64 { return p.column(1) }

// MultiplyPoint applies the matrix to a homogeneous point.
func (p *Plane) MultiplyPoint(pt [4]float64) [4]float64 {
	var out mat.VecDense
	out.MulVec(p.axes, mat.NewVecDense(4, pt[:]))
	return [4]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2), out.AtVec(3)}
}

// Advance moves the translation by offset along the local normal and returns
// the new translation.
func (p *Plane) Advance(offset float64) [3]float64 {
	c := p.MultiplyPoint([4]float64{0, 0, offset, 1})
	for i := 0; i < 3; i++ {
		p.axes.Set(i, 3, c[i])
	}
	return p.Translation()
}

// SliceSpacing is the input spacing measured along the plane normal.
func SliceSpacing(p *Plane, spacing [3]float64) float64 {
	return axisSpacing(p.Normal(), spacing)
}

func axisSpacing(dir, spacing [3]float64) float64 {
	var s float64
	for i := range dir {
		s += math.Abs(dir[i]) * spacing[i]
	}
	return s
}

func (p *Plane) column(j int) [3]float64 {
	return [3]float64{p.axes.At(0, j), p.axes.At(1, j), p.axes.At(2, j)}
}
