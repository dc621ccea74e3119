// Package pipeline brings the media hardware up into a running
// sensor -> input -> processor -> encoder chain, and tears it down again.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/venc/pkg/hw"
	"github.com/cyclopcam/venc/pkg/videox"
	"github.com/cyclopcam/venc/server/log"
)

var ErrNotIdle = errors.New("Pipeline is not idle")
var ErrNotRunning = errors.New("Pipeline is not running")
var ErrClosed = errors.New("Pipeline is closed")

// Output port depth hint applied to the encoder once the chain is bound
const (
	EncoderUserDepth   = 2
	EncoderBufferDepth = 6
)

type State int

const (
	StateIdle State = iota
	StateSensorUp
	StateInputUp
	StateProcessorUp
	StateEncoderUp
	StateBound
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSensorUp:
		return "SensorUp"
	case StateInputUp:
		return "InputUp"
	case StateProcessorUp:
		return "ProcessorUp"
	case StateEncoderUp:
		return "EncoderUp"
	case StateBound:
		return "Bound"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// State reached after each stage in hw.Stages has been activated
var stageUpState = map[hw.Stage]State{
	hw.StageSensor:    StateSensorUp,
	hw.StageInput:     StateInputUp,
	hw.StageProcessor: StateProcessorUp,
	hw.StageEncoder:   StateEncoderUp,
}

// The data-flow links, in the order that they are bound
var chainLinks = []hw.Link{
	{Up: hw.StageInput, Down: hw.StageProcessor},
	{Up: hw.StageProcessor, Down: hw.StageEncoder},
}

// StageFailure is returned by Start when a stage could not be activated, or a
// link could not be bound. Link is nil for activation failures.
type StageFailure struct {
	Stage hw.Stage
	Link  *hw.Link
	Code  int32 // Vendor status code, or -1
	Err   error
}

func (f *StageFailure) Error() string {
	if f.Link != nil {
		return fmt.Sprintf("Binding %v failed: %v", *f.Link, f.Err)
	}
	return fmt.Sprintf("%v activation failed: %v", f.Stage, f.Err)
}

func (f *StageFailure) Unwrap() error {
	return f.Err
}

// StageHandle is the orchestrator's record of one stage
type StageHandle struct {
	Handle hw.Handle
	Active bool
}

// One committed acquisition. Either a stage activation, or a binding.
type commitment struct {
	stage hw.Stage
	link  *hw.Link
}

func (c commitment) String() string {
	if c.link != nil {
		return c.link.String() + " binding"
	}
	return c.stage.String()
}

// Orchestrator owns the hardware stages and the bindings between them.
// It is not safe for concurrent use. A single goroutine is expected to call
// Start, then NextUnit/ReleaseUnit, then Stop or Close.
type Orchestrator struct {
	log      logs.Log
	backend  hw.Backend
	state    State
	systemUp bool
	closed   bool
	settings hw.Settings
	stages   [hw.NumStages]StageHandle
	bindings []hw.Link
	undo     []commitment // Everything committed so far, in acquisition order
}

func NewOrchestrator(logger logs.Log, backend hw.Backend) *Orchestrator {
	return &Orchestrator{
		log:     log.NewPrefixLogger(logger, "Pipeline:"),
		backend: backend,
	}
}

// Start brings up every stage and both bindings. On failure, everything that
// was committed is unwound before Start returns, and the orchestrator is Idle
// again.
func (o *Orchestrator) Start(settings hw.Settings) error {
	if o.closed {
		return ErrClosed
	}
	if o.state != StateIdle {
		return fmt.Errorf("%w (state is %v)", ErrNotIdle, o.state)
	}
	if !o.systemUp {
		if err := o.backend.Init(); err != nil {
			return fmt.Errorf("Media system init failed: %w", err)
		}
		o.systemUp = true
	}
	o.settings = settings

	for _, stage := range hw.Stages {
		h, err := o.backend.Activate(stage, &o.settings)
		if err != nil {
			return o.abort(&StageFailure{Stage: stage, Code: hw.ErrorCode(err), Err: err})
		}
		o.stages[stage] = StageHandle{Handle: h, Active: true}
		o.undo = append(o.undo, commitment{stage: stage})
		o.state = stageUpState[stage]
		o.log.Debugf("%v up (%v)", stage, h)
	}

	for i := range chainLinks {
		link := chainLinks[i]
		if err := o.backend.Bind(o.stages[link.Up].Handle, o.stages[link.Down].Handle); err != nil {
			return o.abort(&StageFailure{Stage: link.Up, Link: &link, Code: hw.ErrorCode(err), Err: err})
		}
		o.bindings = append(o.bindings, link)
		o.undo = append(o.undo, commitment{stage: link.Up, link: &link})
	}
	o.state = StateBound

	if err := o.backend.SetOutputDepth(o.stages[hw.StageEncoder].Handle, EncoderUserDepth, EncoderBufferDepth); err != nil {
		o.log.Warnf("Failed to set encoder output depth: %v", err)
	}

	o.state = StateRunning
	o.log.Infof("Running")
	return nil
}

func (o *Orchestrator) abort(failure *StageFailure) error {
	o.log.Errorf("%v", failure)
	o.unwind()
	return failure
}

// NextUnit waits up to timeout for the encoder to produce an access unit.
// If nothing arrives in time, it returns (nil, nil).
// Every unit returned must be passed to ReleaseUnit exactly once.
func (o *Orchestrator) NextUnit(timeout time.Duration) (*videox.AccessUnit, error) {
	if o.state != StateRunning {
		return nil, ErrNotRunning
	}
	unit, err := o.backend.Retrieve(o.stages[hw.StageEncoder].Handle, timeout)
	if errors.Is(err, hw.ErrTimeout) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("Failed to retrieve access unit: %w", err)
	}
	return unit, nil
}

// ReleaseUnit hands the unit's memory back to the encoder.
// Releasing the same unit twice is a caller bug.
func (o *Orchestrator) ReleaseUnit(unit *videox.AccessUnit) error {
	enc := o.stages[hw.StageEncoder]
	if !enc.Active {
		return fmt.Errorf("Cannot release access unit: encoder is not active")
	}
	return o.backend.Release(enc.Handle, unit)
}

// Stop unwinds everything that is up, in reverse order, and returns to Idle.
// It is safe to call in any state, and more than once.
func (o *Orchestrator) Stop() {
	if o.state == StateIdle && len(o.undo) == 0 {
		return
	}
	o.log.Infof("Stopping")
	o.unwind()
	o.log.Infof("Stopped")
}

// Close stops the pipeline and shuts down the media system.
// The orchestrator cannot be started again after Close.
func (o *Orchestrator) Close() error {
	o.Stop()
	o.closed = true
	if !o.systemUp {
		return nil
	}
	o.systemUp = false
	if err := o.backend.Exit(); err != nil {
		o.log.Errorf("Media system exit failed: %v", err)
		return fmt.Errorf("Media system exit failed: %w", err)
	}
	return nil
}

// Pop the undo stack until it's empty. Failures are logged, and the
// remaining steps are still attempted.
func (o *Orchestrator) unwind() {
	o.state = StateStopping
	for len(o.undo) != 0 {
		c := o.undo[len(o.undo)-1]
		o.undo = o.undo[:len(o.undo)-1]
		o.log.Debugf("Releasing %v", c)
		if c.link != nil {
			if err := o.backend.Unbind(o.stages[c.link.Up].Handle, o.stages[c.link.Down].Handle); err != nil {
				o.log.Errorf("Failed to unbind %v: %v", c.link, err)
			}
			o.bindings = o.bindings[:len(o.bindings)-1]
		} else {
			if err := o.backend.Deactivate(o.stages[c.stage].Handle); err != nil {
				o.log.Errorf("Failed to deactivate %v: %v", c.stage, err)
			}
			o.stages[c.stage] = StageHandle{}
		}
	}
	o.state = StateIdle
}

func (o *Orchestrator) State() State {
	return o.state
}

// Settings that the pipeline was last started with
func (o *Orchestrator) Settings() hw.Settings {
	return o.settings
}

// ActiveStages returns the stages that are currently up, in bring-up order
func (o *Orchestrator) ActiveStages() []hw.Stage {
	r := []hw.Stage{}
	for _, st := range hw.Stages {
		if o.stages[st].Active {
			r = append(r, st)
		}
	}
	return r
}

func (o *Orchestrator) Stage(stage hw.Stage) StageHandle {
	return o.stages[stage]
}

// Bindings returns the established links, in the order they were bound
func (o *Orchestrator) Bindings() []hw.Link {
	return append([]hw.Link{}, o.bindings...)
}
