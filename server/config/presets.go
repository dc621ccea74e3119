package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cyclopcam/venc/pkg/videox"
)

// SensorPreset is a known sensor/board combination, selected with "-v"
type SensorPreset struct {
	Name      string
	Width     int
	Height    int
	FrameRate int // 0 = leave frame rate unchanged
}

var SensorPresets = []SensorPreset{
	{Name: "star6e_imx335", Width: 2592, Height: 1944, FrameRate: 30},
	{Name: "star6e_os04a", Width: 2688, Height: 1520, FrameRate: 30},
	{Name: "720p", Width: 1280, Height: 720},
	{Name: "1080p", Width: 1920, Height: 1080},
}

// ResolutionPreset is a named image size, selected with "-s"
type ResolutionPreset struct {
	Name   string
	Width  int
	Height int
}

var ResolutionPresets = []ResolutionPreset{
	{Name: "D1", Width: 720, Height: 480},
	{Name: "960h", Width: 960, Height: 576},
	{Name: "720p", Width: 1280, Height: 720},
	{Name: "1.3MP", Width: 1280, Height: 1024},
	{Name: "1080p", Width: 1920, Height: 1080},
	{Name: "4MP", Width: 2688, Height: 1520},
}

// ApplySensorPreset sets the sensor and image size (and possibly the frame rate) from a named preset
func (c *Config) ApplySensorPreset(name string) error {
	for _, p := range SensorPresets {
		if p.Name == name {
			c.SensorWidth, c.SensorHeight = p.Width, p.Height
			c.OutputWidth, c.OutputHeight = p.Width, p.Height
			if p.FrameRate != 0 {
				c.FrameRate = p.FrameRate
			}
			return nil
		}
	}
	return fmt.Errorf("Unsupported version %v", name)
}

// ApplyResolution sets the image size from a preset name, or from a custom "WxH".
// The sensor is configured to the same size.
func (c *Config) ApplyResolution(value string) error {
	w, h, err := ParseResolution(value)
	if err != nil {
		return err
	}
	c.SensorWidth, c.SensorHeight = w, h
	c.OutputWidth, c.OutputHeight = w, h
	return nil
}

// ApplyEncoderMode sets codec and rate control from a name such as "265cbr"
func (c *Config) ApplyEncoderMode(mode string) error {
	codec, rc, err := videox.ParseEncoderMode(mode)
	if err != nil {
		return err
	}
	c.Codec = codec
	c.RateControl = rc
	return nil
}

// ParseResolution understands the names in ResolutionPresets, and "WxH"
func ParseResolution(value string) (int, int, error) {
	for _, p := range ResolutionPresets {
		if p.Name == value {
			return p.Width, p.Height, nil
		}
	}
	ws, hs, ok := strings.Cut(value, "x")
	if ok {
		w, werr := strconv.Atoi(ws)
		h, herr := strconv.Atoi(hs)
		if werr == nil && herr == nil && w > 0 && h > 0 {
			return w, h, nil
		}
	}
	return 0, 0, fmt.Errorf("Unsupported resolution %v", value)
}
