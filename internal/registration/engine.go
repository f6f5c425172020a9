package registration

import (
	"context"
	"fmt"
	"log/slog"

	"microreg/internal/config"
	"microreg/internal/volume"
)

// Result holds both warped volumes in spatial order.
type Result struct {
	// WarpedMoving is the moving volume resampled into fixed space.
	WarpedMoving *volume.FloatImage
	// WarpedFixed is the fixed volume resampled into moving space.
	WarpedFixed *volume.FloatImage
	// Parameters carries engine-specific transform details for logging.
	Parameters map[string]any
}

// Engine performs a registration between two spatial-order volumes.
type Engine interface {
	Name() string
	IsAvailable() bool
	Supports(t Transform) bool
	Register(ctx context.Context, fixed, moving *volume.FloatImage, t Transform) (Result, error)
}

// EngineStatus describes one registered engine.
type EngineStatus struct {
	Name       string      `json:"name"`
	Available  bool        `json:"available"`
	Transforms []Transform `json:"transforms"`
}

// EngineManager selects an engine for a transform.
type EngineManager struct {
	engines map[string]Engine
	order   []string
	config  *config.RegistrationConfig
}

// NewEngineManager registers the engines enabled in cfg.
func NewEngineManager(cfg *config.RegistrationConfig, log *slog.Logger) *EngineManager {
	m := &EngineManager{engines: make(map[string]Engine), config: cfg}
	if cfg == nil {
		m.Register(NewCentroidEngine())
		return m
	}

	if cfg.External.Enabled {
		m.Register(NewExternalEngine(cfg.External, cfg.ScratchDir, log))
	}
	if cfg.Centroid.Enabled {
		m.Register(NewCentroidEngine())
	}
	return m
}

// Register adds an engine; a later engine with the same name replaces the earlier one.
func (m *EngineManager) Register(e Engine) {
	if e == nil {
		return
	}
	if _, exists := m.engines[e.Name()]; !exists {
		m.order = append(m.order, e.Name())
	}
	m.engines[e.Name()] = e
}

// Engines returns registered engines in registration order.
func (m *EngineManager) Engines() []Engine {
	out := make([]Engine, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.engines[name])
	}
	return out
}

// Status reports availability and supported transforms of every engine.
func (m *EngineManager) Status() []EngineStatus {
	var out []EngineStatus
	for _, e := range m.Engines() {
		st := EngineStatus{Name: e.Name(), Available: e.IsAvailable()}
		for _, t := range transforms {
			if e.Supports(t) {
				st.Transforms = append(st.Transforms, t)
			}
		}
		out = append(out, st)
	}
	return out
}

// Select returns the configured default when it can run t, otherwise the
// first available engine supporting t.
func (m *EngineManager) Select(t Transform) (Engine, error) {
	if m.config != nil && m.config.DefaultEngine != "" && m.config.DefaultEngine != "auto" {
		if e, ok := m.engines[m.config.DefaultEngine]; ok && e.IsAvailable() && e.Supports(t) {
			return e, nil
		}
	}
	for _, name := range m.order {
		e := m.engines[name]
		if e.IsAvailable() && e.Supports(t) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w for transform %s", ErrNoEngine, t)
}
