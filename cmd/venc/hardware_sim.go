//go:build !star6e

package main

import (
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/venc/pkg/hw"
)

func newBackend(logger logs.Log, simulate bool) hw.Backend {
	if !simulate {
		logger.Warnf("Built without star6e support. Using simulated hardware.")
	}
	sim := hw.NewSim()
	sim.Generate = true
	return sim
}
