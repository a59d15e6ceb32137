package cmd

import (
	"fmt"

	adbadapter "github.com/Nishant-Joshi-Bose/Product-Docker-sub000/adapter/adb"
	serialadapter "github.com/Nishant-Joshi-Bose/Product-Docker-sub000/adapter/serial"
	telnetadapter "github.com/Nishant-Joshi-Bose/Product-Docker-sub000/adapter/telnet"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture/archive"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/config"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/probe"
	adbproto "github.com/Nishant-Joshi-Bose/Product-Docker-sub000/transport/adb"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/util/di"
	"go.uber.org/zap"
)

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	var (
		logger *zap.Logger
		err    error
	)

	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}

	return logger.Sugar(), nil
}

// loadConfig reads the profile named by --config, or the defaults when none
// is given.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()

	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newContainer(cfg *config.Config, log *zap.SugaredLogger) (*di.Container, error) {
	return di.New(
		di.Supply(cfg),
		di.Supply(log),
		di.Provider(newADBClient),
		di.Provider(newProber),
		di.Provider(newAdapter),
		di.Provider(newEngine),
	)
}

// setup loads the profile and builds the container every command resolves
// its dependencies from.
func setup() (*di.Container, *zap.SugaredLogger, error) {
	log, err := newLogger(verbose)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	log.Debug("Profile: ", cfg.Name, " (", cfg.Transport, ")")

	c, err := newContainer(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	return c, log, nil
}

func newADBClient(log *zap.SugaredLogger, cfg *config.Config) *adbproto.Client {
	factory := adbproto.NewRawConnectionFactory(cfg.ADB.Server)
	return adbproto.New(log, factory, cfg.ADB.Serial)
}

// newProber returns nil when the profile names no device web server.
func newProber(log *zap.SugaredLogger, cfg *config.Config) *probe.Prober {
	url := cfg.ProbeURL()
	if url == "" {
		return nil
	}

	return probe.New(log, url,
		probe.WithField(cfg.Probe.Field),
		probe.WithInterval(cfg.Probe.Interval),
	)
}

func newAdapter(log *zap.SugaredLogger, cfg *config.Config, client *adbproto.Client, prober *probe.Prober) (capture.Adapter, error) {
	switch cfg.Transport {
	case config.TransportADB:
		var opts []adbadapter.Option
		if prober != nil {
			opts = append(opts, adbadapter.WithProber(prober))
		}
		return adbadapter.New(log, client, opts...), nil

	case config.TransportTelnet:
		return telnetadapter.New(log, telnetadapter.Config{
			Host:     cfg.Host,
			Port:     cfg.Telnet.Port,
			CLIPort:  cfg.Telnet.CLIPort,
			User:     cfg.Telnet.User,
			Password: cfg.Telnet.Password,
		}, prober), nil

	case config.TransportSerial:
		var opts []serialadapter.Option
		if prober != nil {
			opts = append(opts, serialadapter.WithProber(prober))
		}
		return serialadapter.New(log, serialadapter.Config{
			Path: cfg.Serial.Port,
			Baud: cfg.Serial.Baud,
		}, opts...), nil
	}

	return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalid, cfg.Transport)
}

func newEngine(log *zap.SugaredLogger, cfg *config.Config, adapter capture.Adapter) (*capture.Engine, error) {
	codec, err := archive.ParseCodec(cfg.Capture.Codec)
	if err != nil {
		return nil, err
	}

	opts := []capture.Option{
		capture.WithOutputRoot(cfg.Capture.Output),
		capture.WithStartTimeout(cfg.Capture.StartTimeout),
		capture.WithStopTimeout(cfg.Capture.StopTimeout),
		capture.WithJoinTimeout(cfg.Capture.JoinTimeout),
		capture.WithRebootSettle(cfg.Capture.RebootSettle),
		capture.WithReadyTimeout(cfg.Probe.Timeout),
		capture.WithArchiver(archive.NewWriter(log, codec)),
	}

	if markers, ok := cfg.RebootMarkers(); ok {
		log.Debug("Using reboot markers from profile")
		opts = append(opts, capture.WithRebootMarkers(markers))
	}

	return capture.New(log, adapter, opts...), nil
}
