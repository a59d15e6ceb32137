// Package serial captures a device's system log from its serial console.
package serial

import (
	"context"
	"fmt"
	"time"

	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/probe"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/transport/serialport"
	"go.uber.org/zap"
)

var (
	ArmMarkers      = []string{"Booting from nand", "Starting kernel"}
	CompleteMarkers = []string{"The system is going down for reboot NOW", loginPrompt}
)

// Port is an open serial line. *serialport.Port satisfies it.
type Port interface {
	// Read waits up to timeout for data; an idle period returns 0 and a nil error.
	Read(buf []byte, timeout time.Duration) (int, error)
	Write(data []byte) (int, error)
	Close() error
}

type Opener func(path string, baud int) (Port, error)

func OpenPort(path string, baud int) (Port, error) {
	port, err := serialport.Open(path, baud)
	if err != nil {
		return nil, err
	}

	return port, nil
}

type Config struct {
	Path string
	Baud int

	PollInterval time.Duration

	// CommandWait is how long the console is read after each command.
	CommandWait time.Duration
	CLIExitWait time.Duration

	LoginAttempts int
	EnableTries   int

	// LoginWindow bounds the login retries after a reboot.
	LoginWindow time.Duration

	// DumpSettle is how long a dump must stay quiet before it is complete.
	DumpSettle time.Duration
}

var DefaultConfig = Config{
	Baud:          serialport.DefaultBaud,
	PollInterval:  200 * time.Millisecond,
	CommandWait:   500 * time.Millisecond,
	CLIExitWait:   2 * time.Second,
	LoginAttempts: 5,
	EnableTries:   10,
	LoginWindow:   18 * time.Second,
	DumpSettle:    time.Second,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.Baud == 0 {
		c.Baud = d.Baud
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.CommandWait <= 0 {
		c.CommandWait = d.CommandWait
	}
	if c.CLIExitWait <= 0 {
		c.CLIExitWait = d.CLIExitWait
	}
	if c.LoginAttempts <= 0 {
		c.LoginAttempts = d.LoginAttempts
	}
	if c.EnableTries <= 0 {
		c.EnableTries = d.EnableTries
	}
	if c.LoginWindow <= 0 {
		c.LoginWindow = d.LoginWindow
	}
	if c.DumpSettle <= 0 {
		c.DumpSettle = d.DumpSettle
	}
	return c
}

type Adapter struct {
	log    *zap.SugaredLogger
	cfg    Config
	open   Opener
	prober *probe.Prober
}

type Option func(a *Adapter)

// WithOpener replaces how the serial line is opened.
func WithOpener(open Opener) Option {
	return func(a *Adapter) {
		a.open = open
	}
}

// WithProber makes readiness an HTTP info probe instead of a console login.
func WithProber(p *probe.Prober) Option {
	return func(a *Adapter) {
		a.prober = p
	}
}

func New(log *zap.SugaredLogger, cfg Config, opts ...Option) *Adapter {
	a := &Adapter{
		log:  log,
		cfg:  cfg.withDefaults(),
		open: OpenPort,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

func (a *Adapter) Name() string {
	return "serial"
}

func (a *Adapter) openConsole() (*console, error) {
	port, err := a.open(a.cfg.Path, a.cfg.Baud)
	if err != nil {
		return nil, err
	}

	return newConsole(a.log, a.cfg, port), nil
}

func (a *Adapter) Enable(ctx context.Context, filter string) (capture.Stream, error) {
	c, err := a.openConsole()
	if err != nil {
		return nil, err
	}

	return a.tail(ctx, c, filter)
}

func (a *Adapter) tail(ctx context.Context, c *console, filter string) (capture.Stream, error) {
	a.log.Debug("Serial: starting ", tailCommand(filter))

	first, err := c.startTail(ctx, filter)
	if err != nil {
		c.port.Close()
		return nil, fmt.Errorf("start tail on %s: %w", a.cfg.Path, err)
	}

	return &stream{
		console: c,
		pending: first,
	}, nil
}

// Disable interrupts the tail so the console is left at a shell prompt.
func (a *Adapter) Disable(ctx context.Context, s capture.Stream) error {
	if st, ok := s.(*stream); ok {
		if err := st.stopTail(); err != nil {
			a.log.Debug("Serial: failed to interrupt tail: ", err)
		}
	}

	return s.Close()
}

// Reconnect reopens the port and waits for the rebooted device to accept a
// root login before starting the tail. It gives up with ctx's error once ctx
// is done.
func (a *Adapter) Reconnect(ctx context.Context, filter string) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := a.openConsole()
	if err != nil {
		return nil, err
	}

	ok, err := c.loginWithin(ctx, a.cfg.LoginWindow)
	if err == nil && !ok {
		err = ErrLoginFailed
	}
	if err != nil {
		c.port.Close()
		return nil, err
	}

	return a.tail(ctx, c, filter)
}

func (a *Adapter) ProbeReady(ctx context.Context, timeout time.Duration) bool {
	if a.prober != nil {
		return a.prober.Ready(ctx, timeout)
	}

	deadline := time.Now().Add(timeout)
	for ctx.Err() == nil && time.Now().Before(deadline) {
		c, err := a.openConsole()
		if err != nil {
			a.log.Debug("Serial: port not available: ", err)
			select {
			case <-ctx.Done():
				return false
			case <-time.After(a.cfg.PollInterval):
			}
			continue
		}

		ok, err := c.loginWithin(ctx, time.Until(deadline))
		c.port.Close()
		if ok {
			return true
		}
		if err != nil {
			a.log.Debug("Serial: login failed: ", err)
		}
	}

	return false
}

func (a *Adapter) RebootMarkers() capture.RebootMarkers {
	return capture.RebootMarkers{
		Arm:      ArmMarkers,
		Complete: CompleteMarkers,
	}
}

// RebootSettle is zero: the console shows when the device is back.
func (a *Adapter) RebootSettle() time.Duration {
	return 0
}

func (a *Adapter) Annotate(s capture.Stream, label string) error {
	return s.Write("echo " + label)
}

// PauseMarker types the marker into the running tail. logread keeps running
// and the engine drops what arrives after the echoed marker until ResumeMarker.
func (a *Adapter) PauseMarker(s capture.Stream, label string) error {
	return s.Write("pause log echo " + label)
}

func (a *Adapter) ResumeMarker(s capture.Stream, label string) error {
	return s.Write("resume log echo " + label)
}

// Dump prints the whole log buffer on the console.
func (a *Adapter) Dump(ctx context.Context) (string, error) {
	c, err := a.openConsole()
	if err != nil {
		return "", err
	}
	defer c.port.Close()

	if _, err := c.exitCLI(ctx); err != nil {
		return "", err
	}

	ok, err := c.login(ctx)
	if err == nil && !ok {
		err = ErrLoginFailed
	}
	if err != nil {
		return "", err
	}

	if err := c.write("logread\r\n"); err != nil {
		return "", err
	}

	return c.readUntilQuiet(ctx, a.cfg.DumpSettle)
}

// IndependentChannels is false: there is one console.
func (a *Adapter) IndependentChannels() bool {
	return false
}

func tailCommand(filter string) string {
	return capture.TailCommand(filter)
}

type stream struct {
	*console
	pending string
}

func (s *stream) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.pending != "" {
		out := s.pending
		s.pending = ""
		return []byte(out), nil
	}

	n, err := s.port.Read(s.buf, s.cfg.PollInterval)
	if n > 0 {
		out := make([]byte, n)
		copy(out, s.buf[:n])
		return out, nil
	}

	return nil, err
}

// Write types cmd on a line of its own.
func (s *stream) Write(cmd string) error {
	return s.write("\n" + cmd + "\n")
}

func (s *stream) Close() error {
	return s.port.Close()
}
