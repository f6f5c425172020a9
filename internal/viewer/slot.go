package viewer

import (
	"microreg/internal/render"
	"microreg/internal/slicing"
	"microreg/internal/volume"
)

// Slot is the rendering context of one role. It holds at most one pipeline,
// built for Mode over Image.
type Slot struct {
	Role        volume.Role
	Path        string
	Image       *volume.Image
	Mode        render.Mode
	Orientation slicing.Orientation
	Transfer    *render.TransferFunction
	Pipeline    render.Pipeline
	Err         error
}

// SlotInfo is the JSON view of a slot.
type SlotInfo struct {
	Role        string              `json:"role"`
	Path        string              `json:"path,omitempty"`
	Loaded      bool                `json:"loaded"`
	Mode        string              `json:"mode"`
	Orientation string              `json:"orientation"`
	Dims        [3]int              `json:"dims"`
	Spacing     [3]float64          `json:"spacing"`
	Color       []render.ColorPoint `json:"color"`
	Drag        string              `json:"drag,omitempty"`
	Translation *[3]float64         `json:"translation,omitempty"`
	Camera      *slicing.PanZoom    `json:"camera,omitempty"`
	Error       string              `json:"error,omitempty"`
}

func newSlot(role volume.Role, mode render.Mode, o slicing.Orientation, tf *render.TransferFunction) *Slot {
	return &Slot{Role: role, Mode: mode, Orientation: o, Transfer: tf}
}

// rebuild discards the current pipeline and builds one for mode. Failures are
// kept on the slot.
func (s *Slot) rebuild(mode render.Mode, lut slicing.LookupTable) {
	s.Mode = mode
	s.Pipeline = nil
	s.Err = nil
	if s.Image == nil {
		return
	}
	switch mode {
	case render.ModeSlice:
		p, err := slicing.NewSlicePipeline(s.Image, s.Orientation, lut)
		if err != nil {
			s.Err = err
			return
		}
		s.Pipeline = p
	default:
		p, err := render.NewVolumePipeline(s.Image, s.Transfer)
		if err != nil {
			s.Err = err
			return
		}
		s.Pipeline = p
	}
}

func (s *Slot) interactor() *slicing.Interactor {
	if p, ok := s.Pipeline.(*slicing.SlicePipeline); ok {
		return p.Interactor()
	}
	return nil
}

func (s *Slot) info() SlotInfo {
	info := SlotInfo{
		Role:        s.Role.String(),
		Path:        s.Path,
		Loaded:      s.Image != nil,
		Mode:        s.Mode.String(),
		Orientation: s.Orientation.String(),
		Color:       s.Transfer.Color.Points(),
	}
	if s.Image != nil {
		info.Dims = s.Image.SpatialDims()
		info.Spacing = s.Image.SpatialSpacing()
	}
	if it := s.interactor(); it != nil {
		info.Drag = it.State.String()
		tr := it.Plane().Translation()
		info.Translation = &tr
		if pz, ok := it.Fallback().(*slicing.PanZoom); ok {
			cam := *pz
			info.Camera = &cam
		}
	}
	if s.Err != nil {
		info.Error = s.Err.Error()
	}
	return info
}
