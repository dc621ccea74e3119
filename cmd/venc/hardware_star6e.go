//go:build star6e

package main

import (
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/venc/pkg/buildinfo"
	"github.com/cyclopcam/venc/pkg/hw"
	"github.com/cyclopcam/venc/pkg/hw/star6e"
)

func newBackend(logger logs.Log, simulate bool) hw.Backend {
	if simulate {
		logger.Infof("Using simulated hardware")
		sim := hw.NewSim()
		sim.Generate = true
		return sim
	}
	return star6e.New()
}

func init() {
	buildinfo.Chip = "star6e"
}
