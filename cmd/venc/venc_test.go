package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/venc/pkg/videox"
	"github.com/cyclopcam/venc/server/config"
	"github.com/stretchr/testify/require"
)

func TestBuildConfigDefaults(t *testing.T) {
	cfg, err := buildConfig(&cliArgs{})
	require.NoError(t, err)
	require.Equal(t, config.Defaults(), cfg)
}

func TestBuildConfigFlags(t *testing.T) {
	cfg, err := buildConfig(&cliArgs{
		host:           "192.168.1.20",
		port:           "6000",
		rate:           "4M",
		maxPayload:     "1200",
		mode:           "rtp",
		sensorPreset:   "star6e_imx335",
		fps:            "25",
		gopDenominator: "0",
		encoderMode:    "265cbr",
		renumber:       true,
	})
	require.NoError(t, err)
	require.Equal(t, "192.168.1.20", cfg.Host)
	require.Equal(t, 6000, cfg.Port)
	require.Equal(t, 4096, cfg.BitrateKbps)
	require.Equal(t, 1200, cfg.MaxPayloadSize)
	require.Equal(t, config.StreamModeRTP, cfg.Mode)
	require.Equal(t, 2592, cfg.SensorWidth)
	require.Equal(t, 1944, cfg.OutputHeight)
	// -f wins over the preset's frame rate
	require.Equal(t, 25, cfg.FrameRate)
	require.Equal(t, 0, cfg.GOPDenominator)
	require.Equal(t, 25, cfg.GOPSize())
	require.Equal(t, videox.CodecH265, cfg.Codec)
	require.Equal(t, videox.RateControlCBR, cfg.RateControl)
	require.True(t, cfg.Renumber)
}

func TestBuildConfigFileThenFlags(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "venc.json")
	require.NoError(t, os.WriteFile(filename, []byte(`{"port": 7000, "bitrateKbps": 2048, "statsSeconds": 0}`), 0644))
	cfg, err := buildConfig(&cliArgs{configFile: filename, rate: "1024"})
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Port)
	require.Equal(t, 1024, cfg.BitrateKbps)
	require.Equal(t, 0, cfg.StatsSeconds)
}

func TestBuildConfigErrors(t *testing.T) {
	bad := []cliArgs{
		{port: "abc"},
		{port: "70000"},
		{rate: "fast"},
		{mode: "mjpeg"},
		{sensorPreset: "star7"},
		{resolution: "huge"},
		{encoderMode: "266avbr"},
		{maxPayload: "10"},
		{host: "not-an-ip"},
		{configFile: "/nonexistent/venc.json"},
	}
	for _, a := range bad {
		_, err := buildConfig(&a)
		require.Error(t, err, "%+v", a)
	}
}
