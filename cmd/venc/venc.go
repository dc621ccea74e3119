package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/venc/pkg/buildinfo"
	"github.com/cyclopcam/venc/pkg/kibi"
	"github.com/cyclopcam/venc/server"
	"github.com/cyclopcam/venc/server/config"
)

// Command line values. Empty strings were not specified.
type cliArgs struct {
	configFile        string
	host              string
	port              string
	rate              string
	maxPayload        string
	mode              string
	sensorPreset      string
	resolution        string
	fps               string
	gopDenominator    string
	encoderMode       string
	capture           string
	renumber          bool
	stats             string
	maxRetrieveErrors string
}

func parseInt(name, value string, dst *int) error {
	if value == "" {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("Invalid %v '%v'", name, value)
	}
	*dst = v
	return nil
}

// buildConfig layers everything in a fixed order: defaults, then the JSON
// file, then presets, then individual flags.
func buildConfig(a *cliArgs) (config.Config, error) {
	cfg := config.Defaults()
	if a.configFile != "" {
		loaded, err := config.LoadConfig(a.configFile)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}

	if a.sensorPreset != "" {
		if err := cfg.ApplySensorPreset(a.sensorPreset); err != nil {
			return cfg, err
		}
	}
	if a.resolution != "" {
		if err := cfg.ApplyResolution(a.resolution); err != nil {
			return cfg, err
		}
	}
	if a.encoderMode != "" {
		if err := cfg.ApplyEncoderMode(a.encoderMode); err != nil {
			return cfg, err
		}
	}
	if a.mode != "" {
		mode, err := config.ParseStreamMode(a.mode)
		if err != nil {
			return cfg, err
		}
		cfg.Mode = mode
	}
	if a.host != "" {
		cfg.Host = a.host
	}
	if a.rate != "" {
		kbps, err := kibi.ParseKbps(a.rate)
		if err != nil {
			return cfg, fmt.Errorf("Invalid rate '%v'", a.rate)
		}
		cfg.BitrateKbps = kbps
	}
	if a.capture != "" {
		cfg.CapturePath = a.capture
	}
	if a.renumber {
		cfg.Renumber = true
	}
	ints := []struct {
		name  string
		value string
		dst   *int
	}{
		{"port", a.port, &cfg.Port},
		{"payload size", a.maxPayload, &cfg.MaxPayloadSize},
		{"fps", a.fps, &cfg.FrameRate},
		{"GOP denominator", a.gopDenominator, &cfg.GOPDenominator},
		{"stats interval", a.stats, &cfg.StatsSeconds},
		{"maximum retrieve errors", a.maxRetrieveErrors, &cfg.MaxRetrieveErrors},
	}
	for _, i := range ints {
		if err := parseInt(i.name, i.value, i.dst); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

func presetHelp() string {
	s := &strings.Builder{}
	s.WriteString("Sensor presets (-v):")
	for _, p := range config.SensorPresets {
		fmt.Fprintf(s, " %v (%vx%v)", p.Name, p.Width, p.Height)
	}
	return s.String()
}

func resolutionHelp() string {
	s := &strings.Builder{}
	s.WriteString("Encoded image size (-s):")
	for _, p := range config.ResolutionPresets {
		fmt.Fprintf(s, " %v (%vx%v)", p.Name, p.Width, p.Height)
	}
	s.WriteString(", or WxH")
	return s.String()
}

func main() {
	parser := argparse.NewParser("venc", "Camera to network video streamer for Star6E")
	// -h is the sink address, so help is --help only
	parser.DisableHelp()
	help := parser.Flag("", "help", &argparse.Options{Help: "Show this help"})
	a := cliArgs{}
	configFile := parser.String("", "config", &argparse.Options{Help: "JSON configuration file. Command line values override it."})
	host := parser.String("h", "host", &argparse.Options{Help: "Sink IP address (default 127.0.0.1)"})
	port := parser.String("p", "port", &argparse.Options{Help: "Sink port (default 5000)"})
	rate := parser.String("r", "rate", &argparse.Options{Help: "Max video rate in Kbit/s. Suffixes such as 8M are accepted. (default 8192)"})
	maxPayload := parser.String("n", "size", &argparse.Options{Help: "Max payload size of each datagram, in bytes (default 1400)"})
	mode := parser.String("m", "mode", &argparse.Options{Help: "Streaming mode: compact or rtp (default compact)"})
	sensorPreset := parser.String("v", "version", &argparse.Options{Help: presetHelp()})
	resolution := parser.String("s", "resolution", &argparse.Options{Help: resolutionHelp()})
	fps := parser.String("f", "fps", &argparse.Options{Help: "Encoder FPS (default 30)"})
	gop := parser.String("g", "gop", &argparse.Options{Help: "GOP denominator. GOP size is FPS / denominator. (default 10)"})
	encoderMode := parser.String("c", "codec", &argparse.Options{Help: "Encoder mode: 264avbr 264qvbr 264vbr 264cbr 265avbr 265qvbr 265vbr 265cbr (default 264avbr)"})
	capture := parser.String("", "capture", &argparse.Options{Help: "Write every datagram to this pcap file"})
	renumber := parser.Flag("", "renumber", &argparse.Options{Help: "Number datagrams from a continuous sequence, instead of the encoder's"})
	stats := parser.String("", "stats", &argparse.Options{Help: "Seconds between stream statistics log lines. 0 disables. (default 10)"})
	maxRetrieveErrors := parser.String("", "max-retrieve-errors", &argparse.Options{Help: "Exit after this many consecutive encoder errors. 0 = never. (default 0)"})
	simulate := parser.Flag("", "simulate", &argparse.Options{Help: "Use simulated hardware"})

	if len(os.Args) == 2 && os.Args[1] == "help" {
		fmt.Print(parser.Usage(nil))
		os.Exit(1)
	}
	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}
	if *help {
		fmt.Print(parser.Usage(nil))
		os.Exit(0)
	}

	a.configFile = *configFile
	a.host = *host
	a.port = *port
	a.rate = *rate
	a.maxPayload = *maxPayload
	a.mode = *mode
	a.sensorPreset = *sensorPreset
	a.resolution = *resolution
	a.fps = *fps
	a.gopDenominator = *gop
	a.encoderMode = *encoderMode
	a.capture = *capture
	a.renumber = *renumber
	a.stats = *stats
	a.maxRetrieveErrors = *maxRetrieveErrors

	cfg, err := buildConfig(&a)
	if err != nil {
		fmt.Printf("> ERROR: %v\n", err)
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Infof("venc %v (%v)", buildinfo.Version, buildinfo.Chip)
	backend := newBackend(logger, *simulate)
	srv, err := server.NewServer(logger, cfg, backend)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	if err := serve(logger, srv, func(state string) { daemon.SdNotify(false, state) }); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	logger.Infof("Exiting")
}

// serve brings the pipeline up, streams until shutdown, and tears everything
// down. notify receives the systemd state changes.
func serve(logger logs.Log, srv *server.Server, notify func(state string)) error {
	// Installed before Start, so that a signal during bring-up unwinds through Run and Close
	srv.ListenForKillSignals()

	if err := srv.Start(); err != nil {
		srv.Close()
		return fmt.Errorf("Failed to start pipeline: %w", err)
	}

	select {
	case <-srv.ShutdownStarted():
		logger.Infof("Shutdown requested during startup")
	default:
		// Tell systemd that we're alive
		notify(daemon.SdNotifyReady)
	}

	// If shutdown has already started, Run returns immediately, after stopping the pipeline
	runErr := srv.Run()
	notify(daemon.SdNotifyStopping)
	if err := srv.Close(); err != nil {
		logger.Warnf("Shutdown was not clean: %v", err)
	}
	return runErr
}
