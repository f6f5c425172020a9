package volume

import (
	"errors"
	"fmt"
)

// AxisOrder tags how a voxel buffer is indexed.
type AxisOrder int

const (
	// ArrayOrder is (depth, row, column), the order TIFF stacks are stored in.
	ArrayOrder AxisOrder = iota
	// SpatialOrder is (column, row, depth), the order the registration engine expects.
	SpatialOrder
)

func (o AxisOrder) String() string {
	switch o {
	case ArrayOrder:
		return "array"
	case SpatialOrder:
		return "spatial"
	default:
		return fmt.Sprintf("AxisOrder(%d)", int(o))
	}
}

// Role identifies which rendering context a volume belongs to.
type Role int

const (
	Fixed Role = iota
	Moving
	Transformed
)

// NumRoles is the size of role-indexed tables.
const NumRoles = 3

func (r Role) String() string {
	switch r {
	case Fixed:
		return "fixed"
	case Moving:
		return "moving"
	case Transformed:
		return "transformed"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	return r >= Fixed && r <= Transformed
}

// ParseRole maps a role name to its Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "fixed":
		return Fixed, nil
	case "moving":
		return Moving, nil
	case "transformed":
		return Transformed, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Roles lists every role in table order.
func Roles() []Role {
	return []Role{Fixed, Moving, Transformed}
}

// ErrMalformed is returned when a buffer does not match its declared shape.
var ErrMalformed = errors.New("malformed volume")

// Image is a 16-bit intensity volume. Dims and Spacing are listed in Order.
// The origin is always (0,0,0). Images are treated as immutable once built.
type Image struct {
	Voxels  []uint16
	Dims    [3]int
	Spacing [3]float64
	Order   AxisOrder
}

// New allocates a zeroed image.
func New(dims [3]int, spacing [3]float64, order AxisOrder) (*Image, error) {
	n, err := voxelCount(dims)
	if err != nil {
		return nil, err
	}
	img := &Image{
		Voxels:  make([]uint16, n),
		Dims:    dims,
		Spacing: spacing,
		Order:   order,
	}
	return img, img.Validate()
}

// Validate checks that the buffer length and spacing agree with the metadata.
func (img *Image) Validate() error {
	if img == nil {
		return fmt.Errorf("%w: nil image", ErrMalformed)
	}
	return validate(len(img.Voxels), img.Dims, img.Spacing)
}

// At reads the voxel at spatial index (x=column, y=row, z=depth).
func (img *Image) At(x, y, z int) uint16 {
	return img.Voxels[spatialIndex(img.Order, img.Dims, x, y, z)]
}

// SpatialDims returns (nx, ny, nz).
func (img *Image) SpatialDims() [3]int {
	return toSpatial3(img.Order, img.Dims)
}

// SpatialSpacing returns (sx, sy, sz).
func (img *Image) SpatialSpacing() [3]float64 {
	return toSpatial3(img.Order, img.Spacing)
}

// Origin is fixed at zero for every volume.
func (img *Image) Origin() [3]float64 {
	return [3]float64{}
}

// WithSpacing returns a copy of the metadata carrying new spacing. The voxel
// buffer is shared because images are never mutated in place.
func (img *Image) WithSpacing(spacing [3]float64) *Image {
	cp := *img
	cp.Spacing = spacing
	return &cp
}

// Range returns the smallest and largest intensity.
func (img *Image) Range() (lo, hi uint16) {
	if len(img.Voxels) == 0 {
		return 0, 0
	}
	lo, hi = img.Voxels[0], img.Voxels[0]
	for _, v := range img.Voxels[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// FloatImage is the floating-point form handed to the registration engine.
type FloatImage struct {
	Voxels  []float32
	Dims    [3]int
	Spacing [3]float64
	Order   AxisOrder
}

// NewFloat allocates a zeroed floating-point image.
func NewFloat(dims [3]int, spacing [3]float64, order AxisOrder) (*FloatImage, error) {
	n, err := voxelCount(dims)
	if err != nil {
		return nil, err
	}
	f := &FloatImage{
		Voxels:  make([]float32, n),
		Dims:    dims,
		Spacing: spacing,
		Order:   order,
	}
	return f, f.Validate()
}

// Validate checks that the buffer length and spacing agree with the metadata.
func (f *FloatImage) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil image", ErrMalformed)
	}
	return validate(len(f.Voxels), f.Dims, f.Spacing)
}

// At reads the voxel at spatial index (x, y, z).
func (f *FloatImage) At(x, y, z int) float32 {
	return f.Voxels[spatialIndex(f.Order, f.Dims, x, y, z)]
}

// Set writes the voxel at spatial index (x, y, z). Only used while building.
func (f *FloatImage) Set(x, y, z int, v float32) {
	f.Voxels[spatialIndex(f.Order, f.Dims, x, y, z)] = v
}

// SpatialDims returns (nx, ny, nz).
func (f *FloatImage) SpatialDims() [3]int {
	return toSpatial3(f.Order, f.Dims)
}

// SpatialSpacing returns (sx, sy, sz).
func (f *FloatImage) SpatialSpacing() [3]float64 {
	return toSpatial3(f.Order, f.Spacing)
}

// WithSpacing returns a copy of the metadata carrying new spacing.
func (f *FloatImage) WithSpacing(spacing [3]float64) *FloatImage {
	cp := *f
	cp.Spacing = spacing
	return &cp
}

// MaxVoxels caps the voxel count of any volume. A uint16 volume at the cap
// occupies 4 GiB, its float64 working copy 16 GiB.
const MaxVoxels = 1 << 31

func voxelCount(dims [3]int) (int, error) {
	n := 1
	for i, d := range dims {
		if d <= 0 {
			return 0, fmt.Errorf("%w: dimension %d is %d", ErrMalformed, i, d)
		}
		if d > MaxVoxels/n {
			return 0, fmt.Errorf("%w: shape %v exceeds %d voxels", ErrMalformed, dims, MaxVoxels)
		}
		n *= d
	}
	return n, nil
}

func validate(length int, dims [3]int, spacing [3]float64) error {
	n, err := voxelCount(dims)
	if err != nil {
		return err
	}
	if length != n {
		return fmt.Errorf("%w: buffer holds %d voxels, shape %v needs %d", ErrMalformed, length, dims, n)
	}
	for i, s := range spacing {
		if !(s > 0) {
			return fmt.Errorf("%w: spacing %d is %g", ErrMalformed, i, s)
		}
	}
	return nil
}

// spatialIndex maps (x, y, z) to a flat offset in a row-major buffer of the given order.
func spatialIndex(order AxisOrder, dims [3]int, x, y, z int) int {
	if order == SpatialOrder {
		return (x*dims[1]+y)*dims[2] + z
	}
	return (z*dims[1]+y)*dims[2] + x
}

func toSpatial3[T any](order AxisOrder, v [3]T) [3]T {
	if order == SpatialOrder {
		return v
	}
	return [3]T{v[2], v[1], v[0]}
}
