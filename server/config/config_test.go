package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/venc/pkg/videox"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Defaults()
	require.NoError(t, c.Validate())
	require.Equal(t, 3, c.GOPSize())
	require.Equal(t, "127.0.0.1:5000", c.SinkAddress())
	require.Equal(t, "264avbr", c.EncoderMode())

	s := c.Settings()
	require.Equal(t, 8192, s.BitrateKbps)
	require.Equal(t, 3, s.GOPSize)
	require.Equal(t, uint8(96), s.PayloadType)
}

func TestGOPSize(t *testing.T) {
	c := Defaults()
	c.FrameRate = 30
	c.GOPDenominator = 10
	require.Equal(t, 3, c.GOPSize())
	c.GOPDenominator = 0
	require.Equal(t, 30, c.GOPSize())
	c.GOPDenominator = 1
	require.Equal(t, 30, c.GOPSize())
	c.FrameRate = 60
	c.GOPDenominator = 4
	require.Equal(t, 15, c.GOPSize())
}

func TestValidate(t *testing.T) {
	c := Defaults()
	c.MaxPayloadSize = 63
	require.Error(t, c.Validate())
	c.MaxPayloadSize = 64
	require.NoError(t, c.Validate())
	c.MaxPayloadSize = 70000
	require.Error(t, c.Validate())

	c = Defaults()
	c.Host = "not-an-ip"
	c.Port = 0
	c.FrameRate = 0
	err := c.Validate()
	require.ErrorContains(t, err, "sink IP")
	require.ErrorContains(t, err, "sink port")
	require.ErrorContains(t, err, "frame rate")

	c = Defaults()
	c.Mode = "fast"
	require.ErrorContains(t, c.Validate(), "streaming mode")
}

func TestLoadConfig(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "venc.json")
	raw := `{"host": "192.168.1.20", "port": 5600, "codec": "h265", "rateControl": "cbr", "frameRate": 60}`
	require.NoError(t, os.WriteFile(filename, []byte(raw), 0644))
	c, err := LoadConfig(filename)
	require.NoError(t, err)
	require.Equal(t, "192.168.1.20", c.Host)
	require.Equal(t, 5600, c.Port)
	require.Equal(t, videox.CodecH265, c.Codec)
	require.Equal(t, videox.RateControlCBR, c.RateControl)
	require.Equal(t, 60, c.FrameRate)
	// Untouched fields keep their defaults
	require.Equal(t, 1400, c.MaxPayloadSize)
	require.Equal(t, 8192, c.BitrateKbps)
	require.NoError(t, c.Validate())

	require.NoError(t, os.WriteFile(filename, []byte(`{"codec": "vp9"}`), 0644))
	_, err = LoadConfig(filename)
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestPresets(t *testing.T) {
	c := Defaults()
	c.FrameRate = 60
	require.NoError(t, c.ApplySensorPreset("star6e_imx335"))
	require.Equal(t, 2592, c.SensorWidth)
	require.Equal(t, 1944, c.OutputHeight)
	require.Equal(t, 30, c.FrameRate)

	c.FrameRate = 60
	require.NoError(t, c.ApplySensorPreset("720p"))
	require.Equal(t, 1280, c.SensorWidth)
	require.Equal(t, 60, c.FrameRate)
	require.Error(t, c.ApplySensorPreset("imx999"))

	require.NoError(t, c.ApplyResolution("4MP"))
	require.Equal(t, 2688, c.OutputWidth)
	require.Equal(t, 1520, c.SensorHeight)
	require.NoError(t, c.ApplyResolution("D1"))
	require.Equal(t, 720, c.OutputWidth)
	require.NoError(t, c.ApplyResolution("1600x900"))
	require.Equal(t, 1600, c.OutputWidth)
	require.Equal(t, 900, c.SensorHeight)
	for _, bad := range []string{"", "8K", "1600x", "x900", "0x900", "1600*900"} {
		require.Error(t, c.ApplyResolution(bad), bad)
	}

	require.NoError(t, c.ApplyEncoderMode("265qvbr"))
	require.Equal(t, videox.CodecH265, c.Codec)
	require.Equal(t, videox.RateControlQVBR, c.RateControl)
	require.Equal(t, uint8(97), c.Settings().PayloadType)
	require.Error(t, c.ApplyEncoderMode("266cbr"))
}
