package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cyclopcam/venc/pkg/hw"
	"github.com/cyclopcam/venc/pkg/videox"
)

// Largest payload that fits inside a single IPv4 UDP datagram
const MaxUDPPayloadSize = 65507

// Smallest maximum payload size that we accept. Anything smaller is
// almost all RTP header.
const MinPayloadSize = 64

// StreamMode is the "-m" streaming mode. Both modes produce the same RTP
// datagrams. The mode is validated and reported, for compatibility with
// existing launch scripts.
type StreamMode string

const (
	StreamModeCompact StreamMode = "compact"
	StreamModeRTP     StreamMode = "rtp"
)

func ParseStreamMode(s string) (StreamMode, error) {
	switch StreamMode(s) {
	case StreamModeCompact, StreamModeRTP:
		return StreamMode(s), nil
	}
	return "", fmt.Errorf("Unknown streaming mode '%v'", s)
}

type Config struct {
	SensorWidth       int                `json:"sensorWidth"`       // Sensor readout width
	SensorHeight      int                `json:"sensorHeight"`      // Sensor readout height
	OutputWidth       int                `json:"outputWidth"`       // Encoded image width
	OutputHeight      int                `json:"outputHeight"`      // Encoded image height
	FrameRate         int                `json:"frameRate"`         // Frames per second
	BitrateKbps       int                `json:"bitrateKbps"`       // Maximum encoder bitrate, in Kbit/s
	GOPDenominator    int                `json:"gopDenominator"`    // GOP size is FrameRate / GOPDenominator. 0 is treated as 1.
	Codec             videox.Codec       `json:"codec"`             // h264 or h265
	RateControl       videox.RateControl `json:"rateControl"`       // avbr, qvbr, vbr, cbr
	Host              string             `json:"host"`              // Sink IP address
	Port              int                `json:"port"`              // Sink UDP port
	MaxPayloadSize    int                `json:"maxPayloadSize"`    // Maximum size of each datagram, including the RTP header
	Mode              StreamMode         `json:"mode"`              // compact or rtp
	Renumber          bool               `json:"renumber"`          // Number datagrams from our own continuous sequence
	CapturePath       string             `json:"capturePath"`       // If not empty, write every datagram to this pcap file
	StatsSeconds      int                `json:"statsSeconds"`      // Interval between stream summaries in the log. 0 = never.
	RetrieveTimeoutMS int                `json:"retrieveTimeoutMS"` // How long to wait for the encoder on each loop iteration
	MaxRetrieveErrors int                `json:"maxRetrieveErrors"` // Abort after this many consecutive retrieve failures. 0 = never abort.
}

// Defaults returns the configuration used when nothing is specified
func Defaults() Config {
	return Config{
		SensorWidth:       1920,
		SensorHeight:      1080,
		OutputWidth:       1920,
		OutputHeight:      1080,
		FrameRate:         30,
		BitrateKbps:       8192,
		GOPDenominator:    10,
		Codec:             videox.CodecH264,
		RateControl:       videox.RateControlAVBR,
		Host:              "127.0.0.1",
		Port:              5000,
		MaxPayloadSize:    1400,
		Mode:              StreamModeCompact,
		StatsSeconds:      10,
		RetrieveTimeoutMS: 1000,
		MaxRetrieveErrors: 0,
	}
}

// LoadConfig reads a JSON file over the defaults. Fields that are absent from
// the file keep their default values.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = "venc.json"
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := Defaults()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	return &cfg, nil
}

// Validate returns an error describing every problem with the config
func (c *Config) Validate() error {
	var errs []error
	if c.SensorWidth <= 0 || c.SensorHeight <= 0 {
		errs = append(errs, fmt.Errorf("Invalid sensor resolution %vx%v", c.SensorWidth, c.SensorHeight))
	}
	if c.OutputWidth <= 0 || c.OutputHeight <= 0 {
		errs = append(errs, fmt.Errorf("Invalid image resolution %vx%v", c.OutputWidth, c.OutputHeight))
	}
	if c.OutputWidth > 65535 || c.OutputHeight > 65535 || c.SensorWidth > 65535 || c.SensorHeight > 65535 {
		errs = append(errs, fmt.Errorf("Resolution too large"))
	}
	if c.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("Invalid frame rate %v", c.FrameRate))
	}
	if c.BitrateKbps <= 0 {
		errs = append(errs, fmt.Errorf("Invalid bitrate %v", c.BitrateKbps))
	}
	if c.GOPDenominator < 0 {
		errs = append(errs, fmt.Errorf("Invalid GOP denominator %v", c.GOPDenominator))
	}
	if c.Codec != videox.CodecH264 && c.Codec != videox.CodecH265 {
		errs = append(errs, fmt.Errorf("Unsupported codec %v", c.Codec))
	}
	if net.ParseIP(c.Host) == nil {
		errs = append(errs, fmt.Errorf("Invalid sink IP address '%v'", c.Host))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("Invalid sink port %v", c.Port))
	}
	if c.MaxPayloadSize < MinPayloadSize || c.MaxPayloadSize > MaxUDPPayloadSize {
		errs = append(errs, fmt.Errorf("Maximum payload size %v is outside of the range [%v, %v]", c.MaxPayloadSize, MinPayloadSize, MaxUDPPayloadSize))
	}
	if _, err := ParseStreamMode(string(c.Mode)); err != nil {
		errs = append(errs, err)
	}
	if c.StatsSeconds < 0 {
		errs = append(errs, fmt.Errorf("Invalid stats interval %v", c.StatsSeconds))
	}
	if c.RetrieveTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("Invalid retrieve timeout %v", c.RetrieveTimeoutMS))
	}
	if c.MaxRetrieveErrors < 0 {
		errs = append(errs, fmt.Errorf("Invalid maximum retrieve errors %v", c.MaxRetrieveErrors))
	}
	return errors.Join(errs...)
}

// GOPSize is the number of frames between keyframes
func (c *Config) GOPSize() int {
	return c.FrameRate / max(c.GOPDenominator, 1)
}

// Settings is the subset of the config that the hardware needs
func (c *Config) Settings() hw.Settings {
	return hw.Settings{
		SensorWidth:  c.SensorWidth,
		SensorHeight: c.SensorHeight,
		OutputWidth:  c.OutputWidth,
		OutputHeight: c.OutputHeight,
		FrameRate:    c.FrameRate,
		BitrateKbps:  c.BitrateKbps,
		GOPSize:      c.GOPSize(),
		Codec:        c.Codec,
		RateControl:  c.RateControl,
		PayloadType:  c.Codec.PayloadType(),
	}
}

// SinkAddress is the destination in host:port form
func (c *Config) SinkAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.StatsSeconds) * time.Second
}

func (c *Config) RetrieveTimeout() time.Duration {
	return time.Duration(c.RetrieveTimeoutMS) * time.Millisecond
}

// EncoderMode is the "-c" name of the codec and rate control, eg "264avbr"
func (c *Config) EncoderMode() string {
	return videox.EncoderModeName(c.Codec, c.RateControl)
}
