// Package telnet captures a device's system log over a root telnet shell.
package telnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/probe"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/transport/telnet"
	"go.uber.org/zap"
)

// RebootMarker is printed by the device's init when it restarts.
const RebootMarker = "The system is going down for reboot NOW"

type Config struct {
	Host     string
	Port     int
	CLIPort  int
	User     string
	Password string

	LoginTimeout time.Duration
	PollInterval time.Duration

	// EnableTries bounds how often the tail command is sent before output shows up.
	EnableTries int
	EnableWait  time.Duration

	// DumpSettle is how long a dump must stay quiet before it is complete.
	DumpSettle time.Duration
}

var DefaultConfig = Config{
	Port:         telnet.DefaultPort,
	CLIPort:      telnet.CLIPort,
	User:         "root",
	LoginTimeout: 5 * time.Second,
	PollInterval: 200 * time.Millisecond,
	EnableTries:  5,
	EnableWait:   time.Second,
	DumpSettle:   time.Second,
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultConfig.Port
	}
	if c.CLIPort == 0 {
		c.CLIPort = DefaultConfig.CLIPort
	}
	if c.User == "" {
		c.User = DefaultConfig.User
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = DefaultConfig.LoginTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultConfig.PollInterval
	}
	if c.EnableTries <= 0 {
		c.EnableTries = DefaultConfig.EnableTries
	}
	if c.EnableWait <= 0 {
		c.EnableWait = DefaultConfig.EnableWait
	}
	if c.DumpSettle <= 0 {
		c.DumpSettle = DefaultConfig.DumpSettle
	}
	return c
}

type Adapter struct {
	log    *zap.SugaredLogger
	cfg    Config
	prober *probe.Prober
}

// New returns a telnet adapter. prober may be nil, in which case readiness is
// a successful login.
func New(log *zap.SugaredLogger, cfg Config, prober *probe.Prober) *Adapter {
	return &Adapter{
		log:    log,
		cfg:    cfg.withDefaults(),
		prober: prober,
	}
}

func (a *Adapter) Name() string {
	return "telnet"
}

func (a *Adapter) shellAddr() string {
	return net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))
}

func (a *Adapter) cliAddr() string {
	return net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.CLIPort))
}

// connect opens a logged-in shell. A refused connection means the remote shell
// is off, so it is turned on through the product CLI and dialled again.
func (a *Adapter) connect(ctx context.Context) (*telnet.Conn, error) {
	conn, err := telnet.Dial(ctx, a.log, a.shellAddr())
	if err != nil && errors.Is(err, syscall.ECONNREFUSED) {
		a.log.Info("Telnet refused, turning on remote services")
		if rerr := telnet.RemoteServices(ctx, a.log, a.cliAddr()); rerr != nil {
			return nil, fmt.Errorf("dial %s: %w", a.shellAddr(), err)
		}
		conn, err = telnet.Dial(ctx, a.log, a.shellAddr())
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.shellAddr(), err)
	}

	if err := conn.Login(a.cfg.User, a.cfg.Password, a.cfg.LoginTimeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("login: %w", err)
	}

	return conn, nil
}

func (a *Adapter) Enable(ctx context.Context, filter string) (capture.Stream, error) {
	conn, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}

	cmd := capture.TailCommand(filter)
	a.log.Debug("Telnet: starting ", cmd)

	var first string
	for try := 0; try < a.cfg.EnableTries && first == ""; try++ {
		if err := conn.Write(cmd); err != nil {
			conn.Close()
			return nil, err
		}

		out, err := conn.ReadAvailable(a.cfg.EnableWait)
		if err != nil {
			conn.Close()
			return nil, err
		}
		first = telnet.StripPrompt(out)
	}

	if first == "" {
		a.log.Warn("No output after ", a.cfg.EnableTries, " tries, most likely failed to start logread")
	}

	return &stream{
		conn:    conn,
		poll:    a.cfg.PollInterval,
		pending: first,
	}, nil
}

func (a *Adapter) Disable(ctx context.Context, stream capture.Stream) error {
	return stream.Close()
}

// Reconnect turns remote services back on, since a rebooted device comes up
// with them off, and starts the tail again.
func (a *Adapter) Reconnect(ctx context.Context, filter string) (capture.Stream, error) {
	if err := telnet.RemoteServices(ctx, a.log, a.cliAddr()); err != nil {
		a.log.Debug("Failed to turn on remote services: ", err)
	}

	return a.Enable(ctx, filter)
}

func (a *Adapter) ProbeReady(ctx context.Context, timeout time.Duration) bool {
	if a.prober != nil {
		return a.prober.Ready(ctx, timeout)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		conn, err := a.connect(ctx)
		if err == nil {
			conn.Close()
			return true
		}
		a.log.Debug("Device not ready: ", err)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(a.cfg.PollInterval):
		}
	}
}

func (a *Adapter) RebootMarkers() capture.RebootMarkers {
	return capture.RebootMarkers{
		Immediate: []string{RebootMarker},
	}
}

// Annotate echoes label through the shell so it lands in the captured output.
func (a *Adapter) Annotate(stream capture.Stream, label string) error {
	return stream.Write("echo " + label)
}

// Dump reads the whole log buffer over a separate login. The output is
// complete once nothing new arrives for DumpSettle.
func (a *Adapter) Dump(ctx context.Context) (string, error) {
	conn, err := a.connect(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.Write("logread"); err != nil {
		return "", err
	}

	var sb strings.Builder
	for ctx.Err() == nil {
		out, err := conn.ReadAvailable(a.cfg.DumpSettle)
		sb.WriteString(out)
		if err == io.EOF || (err == nil && out == "") {
			break
		}
		if err != nil {
			return telnet.StripPrompt(sb.String()), err
		}
	}

	return telnet.StripPrompt(sb.String()), ctx.Err()
}

// IndependentChannels is false: the device allows a single telnet logger.
func (a *Adapter) IndependentChannels() bool {
	return false
}

type stream struct {
	conn    *telnet.Conn
	poll    time.Duration
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

	out, err := s.conn.ReadAvailable(s.poll)
	out = telnet.StripPrompt(out)
	if out != "" {
		return []byte(out), nil
	}

	return nil, err
}

func (s *stream) Write(cmd string) error {
	return s.conn.Write(cmd)
}

func (s *stream) Close() error {
	return s.conn.Close()
}
