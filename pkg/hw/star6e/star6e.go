//go:build star6e

// Package star6e drives the SigmaStar MI media SDK on Star6E (SSC33x) chips.
package star6e

// #cgo LDFLAGS: -lmi_sys -lmi_sensor -lmi_vif -lmi_vpe -lmi_venc -lcam_os_wrapper
// #include <stdlib.h>
// #include "stages.h"
import "C"
import (
	"fmt"
	"time"
	"unsafe"

	"github.com/cyclopcam/venc/pkg/hw"
	"github.com/cyclopcam/venc/pkg/videox"
)

// Backend implements hw.Backend on top of the MI SDK
type Backend struct {
	Channel int // VENC channel

	nextID int
	codec  videox.Codec
}

func New() *Backend {
	return &Backend{}
}

func codeErr(op string, ret C.MI_S32) error {
	if ret == 0 {
		return nil
	}
	return &hw.CodeError{Op: op, Code: int32(ret)}
}

func stageErr(ret C.MI_S32, failedOp *C.char) error {
	if ret == 0 {
		return nil
	}
	op := "unknown"
	if failedOp != nil {
		op = C.GoString(failedOp)
	}
	return &hw.CodeError{Op: op, Code: int32(ret)}
}

func (b *Backend) Init() error {
	return codeErr("MI_SYS_Init", C.MI_SYS_Init())
}

func (b *Backend) Exit() error {
	return codeErr("MI_SYS_Exit", C.MI_SYS_Exit())
}

func (b *Backend) Activate(stage hw.Stage, s *hw.Settings) (hw.Handle, error) {
	var failedOp *C.char
	var ret C.MI_S32
	switch stage {
	case hw.StageSensor:
		ret = C.StartSensor(&failedOp)
	case hw.StageInput:
		ret = C.StartInput(C.MI_U16(s.SensorWidth), C.MI_U16(s.SensorHeight), &failedOp)
	case hw.StageProcessor:
		ret = C.StartProcessor(C.MI_U16(s.OutputWidth), C.MI_U16(s.OutputHeight), &failedOp)
	case hw.StageEncoder:
		attr := C.MI_VENC_ChnAttr_t{
			eType:            modType(s.Codec),
			u32PicWidth:      C.MI_U32(s.OutputWidth),
			u32PicHeight:     C.MI_U32(s.OutputHeight),
			u32MaxBitRate:    C.MI_U32(s.BitrateKbps * 1024),
			u32SrcFrmRateNum: C.MI_U32(s.FrameRate),
			u32Gop:           C.MI_U32(s.GOPSize),
			eRcMode:          rcMode(s.Codec, s.RateControl),
		}
		ret = C.StartEncoder(C.MI_VENC_CHN(b.Channel), &attr, &failedOp)
		b.codec = s.Codec
	default:
		return hw.Handle{}, fmt.Errorf("Unknown stage %v", stage)
	}
	if err := stageErr(ret, failedOp); err != nil {
		return hw.Handle{}, err
	}
	b.nextID++
	return hw.Handle{Stage: stage, ID: b.nextID}, nil
}

func (b *Backend) Deactivate(h hw.Handle) error {
	var failedOp *C.char
	var ret C.MI_S32
	switch h.Stage {
	case hw.StageSensor:
		ret = C.StopSensor(&failedOp)
	case hw.StageInput:
		ret = C.StopInput(&failedOp)
	case hw.StageProcessor:
		ret = C.StopProcessor(&failedOp)
	case hw.StageEncoder:
		ret = C.StopEncoder(C.MI_VENC_CHN(b.Channel), &failedOp)
	default:
		return fmt.Errorf("Unknown stage %v", h.Stage)
	}
	return stageErr(ret, failedOp)
}

func (b *Backend) port(stage hw.Stage) C.MI_SYS_ChnPort_t {
	return C.StagePort(C.int(stage), C.MI_VENC_CHN(b.Channel))
}

func (b *Backend) Bind(up, down hw.Handle) error {
	src := b.port(up.Stage)
	dst := b.port(down.Stage)
	return codeErr("MI_SYS_Bind", C.MI_SYS_Bind(&src, &dst))
}

func (b *Backend) Unbind(up, down hw.Handle) error {
	src := b.port(up.Stage)
	dst := b.port(down.Stage)
	return codeErr("MI_SYS_UnBind", C.MI_SYS_UnBind(&src, &dst))
}

func (b *Backend) SetOutputDepth(h hw.Handle, userDepth, bufDepth int) error {
	p := b.port(h.Stage)
	return codeErr("MI_SYS_SetChnOutputPortDepth", C.MI_SYS_SetChnOutputPortDepth(&p, C.MI_U32(userDepth), C.MI_U32(bufDepth)))
}

// Retrieve blocks inside MI_VENC_GetStream. Any non-zero status from
// GetStream is reported as a timeout, because the SDK uses the same path for
// "nothing yet" and for transient queue states.
func (b *Backend) Retrieve(encoder hw.Handle, timeout time.Duration) (*videox.AccessUnit, error) {
	// The stream descriptor must stay put until ReleaseStream, so it lives in C memory
	stream := (*C.MI_VENC_Stream_t)(C.calloc(1, C.sizeof_MI_VENC_Stream_t))
	ret := C.MI_VENC_GetStream(C.MI_VENC_CHN(b.Channel), stream, C.MI_S32(timeout.Milliseconds()))
	if ret != 0 {
		C.free(unsafe.Pointer(stream))
		return nil, fmt.Errorf("%w (MI_VENC_GetStream returned 0x%08X)", hw.ErrTimeout, uint32(ret))
	}
	return &videox.AccessUnit{
		Data:  unsafe.Slice((*byte)(unsafe.Pointer(stream.pStream)), int(stream.u32Len)),
		PTS:   uint64(stream.u64Pts),
		Codec: b.codec,
		Ref:   stream,
	}, nil
}

func (b *Backend) Release(encoder hw.Handle, unit *videox.AccessUnit) error {
	stream, ok := unit.Ref.(*C.MI_VENC_Stream_t)
	if !ok || stream == nil {
		return fmt.Errorf("Access unit was not produced by this encoder, or was already released")
	}
	ret := C.MI_VENC_ReleaseStream(C.MI_VENC_CHN(b.Channel), stream)
	C.free(unsafe.Pointer(stream))
	unit.Ref = nil
	unit.Data = nil
	return codeErr("MI_VENC_ReleaseStream", ret)
}

func modType(codec videox.Codec) C.MI_VENC_ModType_e {
	if codec == videox.CodecH265 {
		return C.E_MI_VENC_MODTYPE_H265
	}
	return C.E_MI_VENC_MODTYPE_H264
}

func rcMode(codec videox.Codec, rc videox.RateControl) C.MI_VENC_RcMode_e {
	if codec == videox.CodecH265 {
		switch rc {
		case videox.RateControlAVBR:
			return C.E_MI_VENC_RC_MODE_H265AVBR
		case videox.RateControlQVBR:
			return C.E_MI_VENC_RC_MODE_H265QVBR
		case videox.RateControlVBR:
			return C.E_MI_VENC_RC_MODE_H265VBR
		default:
			return C.E_MI_VENC_RC_MODE_H265CBR
		}
	}
	switch rc {
	case videox.RateControlQVBR:
		return C.E_MI_VENC_RC_MODE_H264QVBR
	case videox.RateControlVBR:
		return C.E_MI_VENC_RC_MODE_H264VBR
	case videox.RateControlCBR:
		return C.E_MI_VENC_RC_MODE_H264CBR
	default:
		return C.E_MI_VENC_RC_MODE_H264AVBR
	}
}

var _ hw.Backend = (*Backend)(nil)
