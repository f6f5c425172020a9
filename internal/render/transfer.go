// Package render builds the maximum-intensity volume view and the transfer
// function that colours it.
package render

import (
	"fmt"
	"math"
	"sort"
)

// Mode selects how a slot presents its volume.
type Mode int

const (
	ModeVolume Mode = iota
	ModeSlice
)

func (m Mode) String() string {
	switch m {
	case ModeVolume:
		return "volume"
	case ModeSlice:
		return "slice"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Toggle returns the other mode.
func (m Mode) Toggle() Mode {
	if m == ModeVolume {
		return ModeSlice
	}
	return ModeVolume
}

// ParseMode maps "volume" or "slice" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "volume":
		return ModeVolume, nil
	case "slice":
		return ModeSlice, nil
	}
	return 0, fmt.Errorf("unknown render mode %q", s)
}

// Channel is one of the three colour sliders.
type Channel int

const (
	Red Channel = iota
	Green
	Blue
)

func (c Channel) String() string {
	switch c {
	case Red:
		return "red"
	case Green:
		return "green"
	case Blue:
		return "blue"
	default:
		return fmt.Sprintf("Channel(%d)", int(c))
	}
}

// Valid reports whether c is red, green or blue.
func (c Channel) Valid() bool {
	return c >= Red && c <= Blue
}

// Key is the scalar key a channel adjustment writes its single point at.
func (c Channel) Key() float64 {
	return float64(c) + 1
}

// ParseChannel maps a channel name to its Channel.
func ParseChannel(s string) (Channel, error) {
	switch s {
	case "red":
		return Red, nil
	case "green":
		return Green, nil
	case "blue":
		return Blue, nil
	}
	return 0, fmt.Errorf("unknown channel %q", s)
}

// RGB holds colour components in [0,1].
type RGB [3]float64

// ColorPoint is one control point of a ColorFunction.
type ColorPoint struct {
	Key   float64 `json:"key"`
	Color RGB     `json:"color"`
}

// ColorFunction maps a scalar to RGB by piecewise-linear interpolation
// between sorted keys, clamping outside the first and last key.
type ColorFunction struct {
	points []ColorPoint
}

// AddRGBPoint inserts or replaces the point at key.
func (c *ColorFunction) AddRGBPoint(key, r, g, b float64) {
	p := ColorPoint{Key: key, Color: RGB{r, g, b}}
	i := sort.Search(len(c.points), func(i int) bool { return c.points[i].Key >= key })
	if i < len(c.points) && c.points[i].Key == key {
		c.points[i] = p
		return
	}
	c.points = append(c.points, ColorPoint{})
	copy(c.points[i+1:], c.points[i:])
	c.points[i] = p
}

// Points returns a copy of the control points in key order.
func (c *ColorFunction) Points() []ColorPoint {
	return append([]ColorPoint(nil), c.points...)
}

// Evaluate returns the colour at scalar s. An empty function is black.
func (c *ColorFunction) Evaluate(s float64) RGB {
	n := len(c.points)
	switch {
	case n == 0:
		return RGB{}
	case s <= c.points[0].Key:
		return c.points[0].Color
	case s >= c.points[n-1].Key:
		return c.points[n-1].Color
	}
	i := sort.Search(n, func(i int) bool { return c.points[i].Key >= s })
	lo, hi := c.points[i-1], c.points[i]
	t := (s - lo.Key) / (hi.Key - lo.Key)
	var out RGB
	for k := range out {
		out[k] = lo.Color[k] + (hi.Color[k]-lo.Color[k])*t
	}
	return out
}

// OpacityFunction is a linear ramp from 0 at Lo to 1 at Hi.
type OpacityFunction struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

// Evaluate returns the opacity at scalar s.
func (o OpacityFunction) Evaluate(s float64) float64 {
	if o.Hi <= o.Lo {
		if s >= o.Hi {
			return 1
		}
		return 0
	}
	return clamp01((s - o.Lo) / (o.Hi - o.Lo))
}

// BlendMode is the ray compositing rule.
type BlendMode int

const (
	MaximumIntensity BlendMode = iota
)

// Interpolation is the sampling rule between voxels.
type Interpolation int

const (
	Linear Interpolation = iota
)

// Default intensity window for opacity and gray mapping.
const (
	DefaultWindowLo = 0
	DefaultWindowHi = 5000
)

// TransferFunction bundles the colour and opacity mapping of a volume view.
type TransferFunction struct {
	Color                 *ColorFunction
	Opacity               OpacityFunction
	Blend                 BlendMode
	Interpolation         Interpolation
	IndependentComponents bool
}

// NewTransferFunction returns the initial mapping: a single mid-gray point at
// key 1 and an opacity ramp over the default window.
func NewTransferFunction() *TransferFunction {
	return NewTransferFunctionWindow(DefaultWindowLo, DefaultWindowHi)
}

// NewTransferFunctionWindow is NewTransferFunction with a custom opacity window.
func NewTransferFunctionWindow(lo, hi float64) *TransferFunction {
	color := &ColorFunction{}
	color.AddRGBPoint(1, 0.5, 0.5, 0.5)
	return &TransferFunction{
		Color:                 color,
		Opacity:               OpacityFunction{Lo: lo, Hi: hi},
		Blend:                 MaximumIntensity,
		Interpolation:         Linear,
		IndependentComponents: true,
	}
}

// ChannelOffset maps a slider position in [0,100] to a colour offset.
func ChannelOffset(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		v = 0
	case v > 100:
		v = 100
	}
	return v / 5
}

// AdjustChannel replaces the colour function with a new one holding a single
// point at the channel's key. The adjusted component is 0.5 plus the slider
// offset, clamped to [0,1]; the other two carry over from the old function
// evaluated at scalar 0. The returned point is the one written.
func (tf *TransferFunction) AdjustChannel(ch Channel, v float64) ColorPoint {
	if !ch.Valid() {
		return ColorPoint{}
	}
	carry := tf.Color.Evaluate(0)
	carry[ch] = clamp01(0.5 + ChannelOffset(v))

	color := &ColorFunction{}
	color.AddRGBPoint(ch.Key(), carry[0], carry[1], carry[2])
	tf.Color = color
	return ColorPoint{Key: ch.Key(), Color: carry}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
