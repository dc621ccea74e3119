package buildinfo

// Version is filled in at build time, with something like:
// go build -ldflags "-X github.com/cyclopcam/venc/pkg/buildinfo.Version=1.2.0" ./cmd/venc
var Version = "dev"

// Chip is the SoC family that the hardware backend was compiled for.
// It's "sim" unless the binary was built with the star6e tag.
var Chip = "sim"
