// Package hw is the narrow capability surface of the SoC's media hardware.
//
// The media chain on these chips is made of four stages: the image sensor,
// the video input port (VIF), the video processing engine (VPE), and the
// hardware encoder (VENC). A Backend activates and deactivates stages, links
// them together, and hands out encoded access units. Backends are not safe
// for concurrent use.
package hw

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/venc/pkg/videox"
)

// ErrTimeout is returned by Retrieve when no access unit was produced within the timeout
var ErrTimeout = errors.New("Timeout waiting for encoder output")

type Stage int

const (
	StageSensor    Stage = iota // Image sensor
	StageInput                  // Video input port (VIF)
	StageProcessor              // Scaler / video processing engine (VPE)
	StageEncoder                // Hardware video encoder (VENC)
)

const NumStages = 4

// All stages, in bring-up order
var Stages = []Stage{StageSensor, StageInput, StageProcessor, StageEncoder}

func (s Stage) String() string {
	switch s {
	case StageSensor:
		return "Sensor"
	case StageInput:
		return "Input"
	case StageProcessor:
		return "Processor"
	case StageEncoder:
		return "Encoder"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Handle identifies an activated stage. The ID is opaque to everyone except
// the backend that issued it.
type Handle struct {
	Stage Stage
	ID    int
}

func (h Handle) String() string {
	return fmt.Sprintf("%v#%v", h.Stage, h.ID)
}

// Link is a directed data-flow binding from an upstream stage to a downstream stage
type Link struct {
	Up   Stage
	Down Stage
}

func (l Link) String() string {
	return l.Up.String() + "->" + l.Down.String()
}

// Settings is everything the stages need to know in order to activate
type Settings struct {
	SensorWidth  int
	SensorHeight int
	OutputWidth  int
	OutputHeight int
	FrameRate    int
	BitrateKbps  int // Kbit/s. Backends that take bits/s multiply by 1024.
	GOPSize      int // Frames between keyframes
	Codec        videox.Codec
	RateControl  videox.RateControl
	PayloadType  uint8 // RTP payload type stamped on encoder output
}

// CodeError is a non-success status code returned by a vendor SDK call
type CodeError struct {
	Op   string
	Code int32
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("%v failed with code 0x%08X", e.Op, uint32(e.Code))
}

// ErrorCode extracts the vendor status code from err, or returns -1 if err
// does not carry one.
func ErrorCode(err error) int32 {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}

// Backend is the vendor hardware capability.
//
// Activate either brings a stage fully up and returns its handle, or fails
// having released whatever it acquired along the way. Retrieve returns
// ErrTimeout (possibly wrapped) when the encoder produced nothing in time.
type Backend interface {
	// Init and Exit bracket the lifetime of the process-wide media system
	Init() error
	Exit() error

	Activate(stage Stage, settings *Settings) (Handle, error)
	Deactivate(h Handle) error

	Bind(up, down Handle) error
	Unbind(up, down Handle) error

	// SetOutputDepth hints how many frames may queue on a stage's output port
	SetOutputDepth(h Handle, userDepth, bufDepth int) error

	Retrieve(encoder Handle, timeout time.Duration) (*videox.AccessUnit, error)
	Release(encoder Handle, unit *videox.AccessUnit) error
}
