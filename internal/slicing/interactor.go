package slicing

import "fmt"

// DragState is the slice drag state.
type DragState int

const (
	Idle DragState = iota
	Dragging
)

func (s DragState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dragging:
		return "dragging"
	default:
		return fmt.Sprintf("DragState(%d)", int(s))
	}
}

// Fallback handles pointer input the drag does not consume.
type Fallback interface {
	Move(x, y, lastX, lastY int)
	Wheel(delta float64)
}

// Interactor moves a plane along its normal while the button is held.
type Interactor struct {
	State    DragState
	plane    *Plane
	spacing  [3]float64
	fallback Fallback
}

// NewInteractor drives plane for a volume with the given spatial spacing.
// A nil fallback gets a PanZoom.
func NewInteractor(plane *Plane, spacing [3]float64, fallback Fallback) *Interactor {
	if fallback == nil {
		fallback = NewPanZoom()
	}
	return &Interactor{State: Idle, plane: plane, spacing: spacing, fallback: fallback}
}

// Plane returns the driven plane.
func (it *Interactor) Plane() *Plane { return it.plane }

// Fallback returns the handler for idle input.
func (it *Interactor) Fallback() Fallback { return it.fallback }

// Press starts a drag.
func (it *Interactor) Press() {
	it.State = Dragging
}

// Release ends a drag.
func (it *Interactor) Release() {
	it.State = Idle
}

// Move handles pointer motion. While dragging the plane advances by the
// slice spacing times the vertical delta; the return value reports whether
// a redraw is needed.
func (it *Interactor) Move(x, y, lastX, lastY int) bool {
	if it.State != Dragging {
		it.fallback.Move(x, y, lastX, lastY)
		return false
	}
	dy := y - lastY
	offset := SliceSpacing(it.plane, it.spacing) * float64(dy)
	it.plane.Advance(offset)
	return true
}

// Wheel forwards scroll input to the fallback.
func (it *Interactor) Wheel(delta float64) {
	it.fallback.Wheel(delta)
}

// PanZoom is a 2-D camera: idle motion pans, the wheel zooms.
type PanZoom struct {
	PanX float64 `json:"panX"`
	PanY float64 `json:"panY"`
	Zoom float64 `json:"zoom"`
}

const (
	minZoom  = 0.1
	maxZoom  = 20
	zoomStep = 1.1
)

// NewPanZoom returns an unpanned camera at zoom 1.
func NewPanZoom() *PanZoom {
	return &PanZoom{Zoom: 1}
}

// Move pans by the pointer delta scaled by zoom.
func (c *PanZoom) Move(x, y, lastX, lastY int) {
	c.PanX += float64(x-lastX) / c.Zoom
	c.PanY += float64(y-lastY) / c.Zoom
}

// Wheel zooms in for positive delta and out for negative.
func (c *PanZoom) Wheel(delta float64) {
	switch {
	case delta > 0:
		c.Zoom *= zoomStep
	case delta < 0:
		c.Zoom /= zoomStep
	}
	if c.Zoom < minZoom {
		c.Zoom = minZoom
	}
	if c.Zoom > maxZoom {
		c.Zoom = maxZoom
	}
}
