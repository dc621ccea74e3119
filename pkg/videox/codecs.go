package videox

import (
	"fmt"
	"strings"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"
)

type Codec int

const (
	CodecUnknown Codec = iota
	CodecH264
	CodecH265
)

// RateControl is the encoder's rate control strategy
type RateControl int

const (
	RateControlAVBR RateControl = iota // Adaptive VBR (default)
	RateControlQVBR                    // Quality-defined VBR
	RateControlVBR                     // Variable bitrate
	RateControlCBR                     // Constant bitrate
)

type AbstractNALUType int

const (
	AbstractNALUTypeOther         AbstractNALUType = iota // Any other NALU type
	AbstractNALUTypeEssentialMeta                         // SPS, PPS, VPS. Required before we can decode a frame.
	AbstractNALUTypeIDR                                   // Keyframe (Instantaneous Decoder Refresh)
	AbstractNALUTypeNonIDR                                // Visual frame, but not a keyframe
)

// RTP packetization NALU types that wrap the real NALU.
// These are defined by RFC 6184 (H264) and RFC 7798 (H265).
const (
	h264TypeSTAPA h264.NALUType = 24
	h264TypeFUA   h264.NALUType = 28
	h265TypeAP    h265.NALUType = 48
	h265TypeFU    h265.NALUType = 49
)

func ParseCodec(codec string) (Codec, error) {
	switch codec {
	case "h264":
		fallthrough
	case "H264":
		return CodecH264, nil
	case "h265":
		fallthrough
	case "H265":
		fallthrough
	case "hevc":
		return CodecH265, nil
	default:
		return CodecUnknown, fmt.Errorf("Unknown codec: %v", codec)
	}
}

// ParseEncoderMode parses the combined codec + rate control names used on the
// command line, such as "264avbr" or "265cbr".
func ParseEncoderMode(mode string) (Codec, RateControl, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if len(mode) < 4 {
		return CodecUnknown, 0, fmt.Errorf("Unsupported codec %v", mode)
	}
	var codec Codec
	switch mode[:3] {
	case "264":
		codec = CodecH264
	case "265":
		codec = CodecH265
	default:
		return CodecUnknown, 0, fmt.Errorf("Unsupported codec %v", mode)
	}
	rc, err := ParseRateControl(mode[3:])
	if err != nil {
		return CodecUnknown, 0, fmt.Errorf("Unsupported codec %v", mode)
	}
	return codec, rc, nil
}

func ParseRateControl(rc string) (RateControl, error) {
	switch strings.ToLower(rc) {
	case "avbr":
		return RateControlAVBR, nil
	case "qvbr":
		return RateControlQVBR, nil
	case "vbr":
		return RateControlVBR, nil
	case "cbr":
		return RateControlCBR, nil
	}
	return 0, fmt.Errorf("Unknown rate control mode: %v", rc)
}

func (c Codec) InternalName() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	default:
		return "unknown"
	}
}

func (c Codec) String() string {
	return c.InternalName()
}

// MarshalText lets a Codec live in JSON config files as "h264" / "h265"
func (c Codec) MarshalText() ([]byte, error) {
	return []byte(c.InternalName()), nil
}

func (c *Codec) UnmarshalText(b []byte) error {
	v, err := ParseCodec(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Dynamic RTP payload type that the encoder stamps on this codec's packets
func (c Codec) PayloadType() uint8 {
	switch c {
	case CodecH265:
		return 97
	default:
		return 96
	}
}

// RTP clock rate. Both H264 and H265 use 90 kHz.
func (c Codec) ClockRate() int {
	return 90000
}

func (r RateControl) String() string {
	switch r {
	case RateControlAVBR:
		return "avbr"
	case RateControlQVBR:
		return "qvbr"
	case RateControlVBR:
		return "vbr"
	case RateControlCBR:
		return "cbr"
	default:
		return "unknown"
	}
}

func (r RateControl) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RateControl) UnmarshalText(b []byte) error {
	v, err := ParseRateControl(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// EncoderModeName is the inverse of ParseEncoderMode
func EncoderModeName(codec Codec, rc RateControl) string {
	prefix := "264"
	if codec == CodecH265 {
		prefix = "265"
	}
	return prefix + rc.String()
}

func ReadNaluTypeH264(firstByte byte) h264.NALUType {
	return h264.NALUType(firstByte & 31)
}

func ReadNaluTypeH265(firstByte byte) h265.NALUType {
	return h265.NALUType((firstByte >> 1) & 63)
}

func H264ToAbstractType(firstByte byte) AbstractNALUType {
	switch ReadNaluTypeH264(firstByte) {
	case h264.NALUTypeNonIDR:
		return AbstractNALUTypeNonIDR
	case h264.NALUTypeIDR:
		return AbstractNALUTypeIDR
	case h264.NALUTypeSPS:
		fallthrough
	case h264.NALUTypePPS:
		return AbstractNALUTypeEssentialMeta
	default:
		return AbstractNALUTypeOther
	}
}

func H265ToAbstractType(firstByte byte) AbstractNALUType {
	t := ReadNaluTypeH265(firstByte)
	if (t >= 0 && t <= 9) || (t >= 16 && t <= 18) || (t == 21) {
		return AbstractNALUTypeNonIDR
	}

	switch t {
	case h265.NALUType_IDR_W_RADL:
		fallthrough
	case h265.NALUType_IDR_N_LP:
		return AbstractNALUTypeIDR
	case h265.NALUType_VPS_NUT:
		fallthrough
	case h265.NALUType_SPS_NUT:
		fallthrough
	case h265.NALUType_PPS_NUT:
		return AbstractNALUTypeEssentialMeta
	default:
		return AbstractNALUTypeOther
	}
}

// RTPPayloadAbstractType classifies the first NALU carried by an RTP payload.
// Single NALU packets are read directly. For aggregation and fragmentation
// packets we look through to the wrapped NALU header.
func RTPPayloadAbstractType(codec Codec, payload []byte) AbstractNALUType {
	if len(payload) == 0 {
		return AbstractNALUTypeOther
	}
	switch codec {
	case CodecH264:
		switch ReadNaluTypeH264(payload[0]) {
		case h264TypeSTAPA:
			// 1 byte STAP-A header, 2 byte size, then the first NALU
			if len(payload) < 4 {
				return AbstractNALUTypeOther
			}
			return H264ToAbstractType(payload[3])
		case h264TypeFUA:
			// The FU header carries the original type in its low 5 bits
			if len(payload) < 2 {
				return AbstractNALUTypeOther
			}
			return H264ToAbstractType(payload[1] & 31)
		}
		return H264ToAbstractType(payload[0])
	case CodecH265:
		switch ReadNaluTypeH265(payload[0]) {
		case h265TypeAP:
			// 2 byte PayloadHdr, 2 byte size, then the first NALU
			if len(payload) < 5 {
				return AbstractNALUTypeOther
			}
			return H265ToAbstractType(payload[4])
		case h265TypeFU:
			// FU header follows the 2 byte PayloadHdr. Low 6 bits are the type.
			if len(payload) < 3 {
				return AbstractNALUTypeOther
			}
			return H265ToAbstractType((payload[2] & 63) << 1)
		}
		return H265ToAbstractType(payload[0])
	}
	return AbstractNALUTypeOther
}

func (t AbstractNALUType) IsVisual() bool {
	return t == AbstractNALUTypeNonIDR || t == AbstractNALUTypeIDR
}
