package viewer

import (
	"microreg/internal/registration"
	"microreg/internal/render"
	"microreg/internal/volume"
)

// ControlID tags the control an event came from.
type ControlID string

const (
	ControlFile        ControlID = "file"        // Role, Text = path
	ControlSpacing     ControlID = "spacing"     // Role, Text or Value
	ControlTransform   ControlID = "transform"   // Text
	ControlMode        ControlID = "mode"        // toggles every slot
	ControlRed         ControlID = "red"         // Role, Value in [0,100]
	ControlGreen       ControlID = "green"       // Role, Value in [0,100]
	ControlBlue        ControlID = "blue"        // Role, Value in [0,100]
	ControlOrientation ControlID = "orientation" // Role, Text
	ControlPress       ControlID = "press"
	ControlRelease     ControlID = "release"
	ControlMove        ControlID = "move"
	ControlWheel       ControlID = "wheel"
	ControlRun         ControlID = "run"
)

// Event is one input from the front end.
type Event struct {
	Control ControlID `json:"control"`
	Role    string    `json:"role,omitempty"`
	Value   float64   `json:"value,omitempty"`
	Text    string    `json:"text,omitempty"`
	X       int       `json:"x,omitempty"`
	Y       int       `json:"y,omitempty"`
	LastX   int       `json:"lastX,omitempty"`
	LastY   int       `json:"lastY,omitempty"`
}

// AppState holds the user's selections. Handlers receive a copy and return
// the next value; nothing mutates a state in place.
type AppState struct {
	FixedPath     string                 `json:"fixedPath"`
	MovingPath    string                 `json:"movingPath"`
	FixedSpacing  int                    `json:"fixedSpacing"`
	MovingSpacing int                    `json:"movingSpacing"`
	Transform     registration.Transform `json:"transform"`
	Mode          render.Mode            `json:"-"`
	RunningJob    string                 `json:"runningJob,omitempty"`
	LastError     string                 `json:"lastError,omitempty"`
	LastOutput    *registration.Output   `json:"lastOutput,omitempty"`
}

// CanRun reports whether every registration input is present.
func (s AppState) CanRun() bool {
	return s.FixedPath != "" && s.MovingPath != "" &&
		s.FixedSpacing > 0 && s.MovingSpacing > 0 &&
		s.Transform.Valid() && s.RunningJob == ""
}

// WithPath returns s with the path for role set.
func (s AppState) WithPath(role volume.Role, path string) AppState {
	switch role {
	case volume.Fixed:
		s.FixedPath = path
	case volume.Moving:
		s.MovingPath = path
	}
	return s
}

// WithSpacing returns s with the spacing for role set.
func (s AppState) WithSpacing(role volume.Role, spacing int) AppState {
	switch role {
	case volume.Fixed:
		s.FixedSpacing = spacing
	case volume.Moving:
		s.MovingSpacing = spacing
	}
	return s
}

// Job builds the registration request described by s.
func (s AppState) Job(outputDir string) registration.Job {
	return registration.Job{
		FixedPath:     s.FixedPath,
		MovingPath:    s.MovingPath,
		FixedSpacing:  s.FixedSpacing,
		MovingSpacing: s.MovingSpacing,
		Transform:     s.Transform,
		OutputDir:     outputDir,
	}
}
