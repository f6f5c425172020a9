package viewer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"microreg/internal/config"
	"microreg/internal/pipeline"
	"microreg/internal/registration"
	"microreg/internal/render"
	"microreg/internal/slicing"
	"microreg/internal/tiffstack"
	"microreg/internal/volume"
)

var (
	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("viewer stopped")
	// ErrEmptySlot is returned when rendering a slot with no volume.
	ErrEmptySlot = errors.New("slot has no volume")
)

// Runner executes registration jobs off the viewer goroutine.
type Runner interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Redrawer is told when a slot needs repainting.
type Redrawer interface {
	Redraw(role volume.Role)
}

// Snapshot is a copy of the viewer state for display.
type Snapshot struct {
	State  AppState   `json:"state"`
	Mode   string     `json:"mode"`
	CanRun bool       `json:"canRun"`
	Slots  []SlotInfo `json:"slots"`
}

type handler func(v *Viewer, s AppState, ev Event) (AppState, error)

var handlers = map[ControlID]handler{
	ControlFile:        (*Viewer).onFile,
	ControlSpacing:     (*Viewer).onSpacing,
	ControlTransform:   (*Viewer).onTransform,
	ControlMode:        (*Viewer).onMode,
	ControlRed:         (*Viewer).onChannel,
	ControlGreen:       (*Viewer).onChannel,
	ControlBlue:        (*Viewer).onChannel,
	ControlOrientation: (*Viewer).onOrientation,
	ControlPress:       (*Viewer).onPointer,
	ControlRelease:     (*Viewer).onPointer,
	ControlMove:        (*Viewer).onPointer,
	ControlWheel:       (*Viewer).onPointer,
	ControlRun:         (*Viewer).onRun,
}

var channels = map[ControlID]render.Channel{
	ControlRed:   render.Red,
	ControlGreen: render.Green,
	ControlBlue:  render.Blue,
}

// Viewer owns the render slots and application state. Everything it holds is
// touched only from the goroutine running Run; other goroutines talk to it
// through Post, Snapshot and Render.
type Viewer struct {
	log       *slog.Logger
	runner    Runner
	redrawer  Redrawer
	outputDir string
	spacing   float64
	lut       slicing.LookupTable
	load      func(path string) (*volume.Image, error)
	newID     func() string

	inbox chan func()
	done  chan struct{}

	state AppState
	slots [volume.NumRoles]*Slot
}

// New builds a viewer from the viewer and registration sections of cfg.
// runner and redrawer may be nil.
func New(cfg *config.Config, runner Runner, redrawer Redrawer, logger *slog.Logger) *Viewer {
	if logger == nil {
		logger = slog.Default()
	}
	mode, err := render.ParseMode(cfg.Viewer.Mode)
	if err != nil {
		mode = render.ModeVolume
	}
	orientation, err := slicing.ParseOrientation(cfg.Viewer.Orientation)
	if err != nil {
		orientation = slicing.Coronal
	}
	spacing := cfg.Viewer.DefaultSpacing
	if spacing <= 0 {
		spacing = 20
	}

	v := &Viewer{
		log:       logger,
		runner:    runner,
		redrawer:  redrawer,
		outputDir: cfg.Paths.DefaultOutput,
		spacing:   float64(spacing),
		lut:       slicing.LookupTable{Lo: cfg.Viewer.WindowLow, Hi: cfg.Viewer.WindowHigh},
		load:      tiffstack.Read,
		newID:     func() string { return fmt.Sprintf("reg-%d", time.Now().UnixNano()) },
		inbox:     make(chan func(), 64),
		done:      make(chan struct{}),
	}
	v.state.Mode = mode
	if t, err := registration.ParseTransform(cfg.Registration.DefaultTransform); err == nil {
		v.state.Transform = t
	}
	for _, r := range volume.Roles() {
		tf := render.NewTransferFunctionWindow(cfg.Viewer.WindowLow, cfg.Viewer.WindowHigh)
		v.slots[r] = newSlot(r, mode, orientation, tf)
	}
	return v
}

// Run processes events and registration completions until ctx ends.
func (v *Viewer) Run(ctx context.Context) error {
	defer close(v.done)
	var results <-chan pipeline.Result
	if v.runner != nil {
		ch, unsub := v.runner.Subscribe()
		defer unsub()
		results = ch
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-v.inbox:
			fn()
		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			v.complete(res)
		}
	}
}

// Post queues ev for the viewer goroutine.
func (v *Viewer) Post(ctx context.Context, ev Event) error {
	return v.do(ctx, func() { v.dispatch(ev) })
}

// Snapshot returns the state after every previously posted event.
func (v *Viewer) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := v.do(ctx, func() { reply <- v.snapshot() }); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-v.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Render draws the current pipeline of role.
func (v *Viewer) Render(ctx context.Context, role volume.Role) (image.Image, error) {
	type rendered struct {
		img image.Image
		err error
	}
	reply := make(chan rendered, 1)
	err := v.do(ctx, func() {
		img, err := v.render(role)
		reply <- rendered{img, err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.img, r.err
	case <-v.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (v *Viewer) do(ctx context.Context, fn func()) error {
	select {
	case v.inbox <- fn:
		return nil
	case <-v.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *Viewer) dispatch(ev Event) {
	h, ok := handlers[ev.Control]
	if !ok {
		v.log.Warn("unknown control", "control", ev.Control)
		return
	}
	next, err := h(v, v.state, ev)
	v.state = next
	if err != nil {
		v.log.Warn("event rejected", "control", ev.Control, "role", ev.Role, "error", err)
	}
}

func (v *Viewer) redraw(role volume.Role) {
	if v.redrawer != nil {
		v.redrawer.Redraw(role)
	}
}

func (v *Viewer) slot(ev Event) (*Slot, error) {
	role, err := volume.ParseRole(ev.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", registration.ErrInvalidInput, err)
	}
	return v.slots[role], nil
}

func inputSlot(s *Slot) error {
	if s.Role == volume.Transformed {
		return fmt.Errorf("%w: the transformed slot is filled by registration", registration.ErrInvalidInput)
	}
	return nil
}

func (v *Viewer) onFile(s AppState, ev Event) (AppState, error) {
	slot, err := v.slot(ev)
	if err != nil {
		return s, err
	}
	if err := inputSlot(slot); err != nil {
		return s, err
	}
	path := strings.TrimSpace(ev.Text)
	if !registration.IsTIFF(path) {
		slot.Err = fmt.Errorf("%w: %q is not a .tif/.tiff file", registration.ErrFileFormat, path)
		v.redraw(slot.Role)
		return s, slot.Err
	}
	img, err := v.load(path)
	if err != nil {
		slot.Err = fmt.Errorf("%w: %w", registration.ErrFileFormat, err)
		v.redraw(slot.Role)
		return s, slot.Err
	}
	slot.Image = img.WithSpacing(volume.Broadcast(v.spacing))
	slot.Path = path
	slot.rebuild(s.Mode, v.lut)
	v.redraw(slot.Role)
	return s.WithPath(slot.Role, path), slot.Err
}

func (v *Viewer) onSpacing(s AppState, ev Event) (AppState, error) {
	slot, err := v.slot(ev)
	if err != nil {
		return s, err
	}
	if err := inputSlot(slot); err != nil {
		return s, err
	}
	n, err := spacingValue(ev)
	if err != nil {
		return s.WithSpacing(slot.Role, 0), err
	}
	return s.WithSpacing(slot.Role, n), nil
}

// spacingValue reads a spacing from the text field, or from the numeric
// value when the text is empty. Only whole numbers in (0, MaxInt32] pass.
func spacingValue(ev Event) (int, error) {
	if text := strings.TrimSpace(ev.Text); text != "" {
		n, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: spacing %q is not an integer", registration.ErrInvalidInput, text)
		}
		if n <= 0 {
			return 0, fmt.Errorf("%w: spacing must be positive, got %d", registration.ErrInvalidInput, n)
		}
		return int(n), nil
	}
	v := ev.Value
	if v != math.Trunc(v) || v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: spacing %g is not a whole number of µm", registration.ErrInvalidInput, v)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%w: spacing must be positive, got %g", registration.ErrInvalidInput, v)
	}
	return int(v), nil
}

func (v *Viewer) onTransform(s AppState, ev Event) (AppState, error) {
	t, err := registration.ParseTransform(strings.TrimSpace(ev.Text))
	if err != nil {
		s.Transform = ""
		return s, err
	}
	s.Transform = t
	return s, nil
}

func (v *Viewer) onMode(s AppState, ev Event) (AppState, error) {
	next := s.Mode.Toggle()
	if ev.Text != "" {
		m, err := render.ParseMode(ev.Text)
		if err != nil {
			return s, err
		}
		next = m
	}
	s.Mode = next
	for _, slot := range v.slots {
		slot.rebuild(next, v.lut)
		if slot.Image != nil {
			v.redraw(slot.Role)
		}
	}
	return s, nil
}

func (v *Viewer) onChannel(s AppState, ev Event) (AppState, error) {
	slot, err := v.slot(ev)
	if err != nil {
		return s, err
	}
	pt := slot.Transfer.AdjustChannel(channels[ev.Control], ev.Value)
	v.log.Debug("channel adjusted", "role", slot.Role.String(), "channel", ev.Control, "key", pt.Key, "color", pt.Color)
	if slot.Pipeline != nil {
		v.redraw(slot.Role)
	}
	return s, nil
}

func (v *Viewer) onOrientation(s AppState, ev Event) (AppState, error) {
	slot, err := v.slot(ev)
	if err != nil {
		return s, err
	}
	o, err := slicing.ParseOrientation(strings.TrimSpace(ev.Text))
	if err != nil {
		return s, err
	}
	slot.Orientation = o
	if slot.Mode == render.ModeSlice && slot.Image != nil {
		slot.rebuild(slot.Mode, v.lut)
		v.redraw(slot.Role)
	}
	return s, nil
}

// onPointer drives the slice interactor. Volume-mode slots ignore pointer input.
func (v *Viewer) onPointer(s AppState, ev Event) (AppState, error) {
	slot, err := v.slot(ev)
	if err != nil {
		return s, err
	}
	it := slot.interactor()
	if it == nil {
		return s, nil
	}
	switch ev.Control {
	case ControlPress:
		it.Press()
	case ControlRelease:
		it.Release()
	case ControlMove:
		if it.Move(ev.X, ev.Y, ev.LastX, ev.LastY) {
			v.redraw(slot.Role)
		}
	case ControlWheel:
		it.Wheel(ev.Value)
	}
	return s, nil
}

func (v *Viewer) onRun(s AppState, ev Event) (AppState, error) {
	if !s.CanRun() {
		v.log.Info("registration not ready, run ignored",
			"fixed", s.FixedPath, "moving", s.MovingPath,
			"fixed_spacing", s.FixedSpacing, "moving_spacing", s.MovingSpacing,
			"transform", string(s.Transform), "running", s.RunningJob)
		return s, nil
	}
	if v.runner == nil {
		return s, errors.New("no registration runner configured")
	}
	id := v.newID()
	if err := v.runner.Submit(pipeline.NewRegisterJob(id, s.Job(v.outputDir))); err != nil {
		s.LastError = err.Error()
		return s, err
	}
	v.log.Info("registration submitted", "job", id, "transform", string(s.Transform))
	s.RunningJob = id
	s.LastError = ""
	return s, nil
}

// complete handles the result of a submitted run. A failed run only records
// the error; loaded slots are left as they were.
func (v *Viewer) complete(res pipeline.Result) {
	if res.Job.Type != pipeline.JobRegister || res.Job.ID != v.state.RunningJob {
		return
	}
	s := v.state
	s.RunningJob = ""
	defer func() { v.state = s }()

	if res.Error != nil {
		s.LastError = res.Error.Error()
		v.log.Error("registration failed", "job", res.Job.ID, "error", res.Error)
		return
	}
	out, ok := pipeline.RegistrationOutput(res)
	if !ok {
		s.LastError = "registration finished without output"
		return
	}
	img := out.WarpedMoving
	if img == nil {
		var err error
		if img, err = v.load(out.MovingPath); err != nil {
			s.LastError = err.Error()
			return
		}
	}
	slot := v.slots[volume.Transformed]
	slot.Image = img.WithSpacing(volume.Broadcast(v.spacing))
	slot.Path = out.MovingPath
	slot.rebuild(s.Mode, v.lut)
	v.redraw(volume.Transformed)

	s.LastError = ""
	s.LastOutput = &out
}

func (v *Viewer) render(role volume.Role) (image.Image, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %v", role)
	}
	slot := v.slots[role]
	if slot.Pipeline == nil {
		if slot.Err != nil {
			return nil, slot.Err
		}
		return nil, ErrEmptySlot
	}
	return slot.Pipeline.Render()
}

func (v *Viewer) snapshot() Snapshot {
	snap := Snapshot{State: v.state, Mode: v.state.Mode.String(), CanRun: v.state.CanRun()}
	for _, slot := range v.slots {
		snap.Slots = append(snap.Slots, slot.info())
	}
	return snap
}
