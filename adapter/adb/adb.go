// Package adb captures a device's system log through an ADB server.
package adb

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/probe"
	adbproto "github.com/Nishant-Joshi-Bose/Product-Docker-sub000/transport/adb"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultPullDir is where the device keeps its persistent logs and core dumps.
	DefaultPullDir = "/mnt/nv/BoseLog"

	DefaultPollInterval   = 200 * time.Millisecond
	DefaultDeviceInterval = time.Second

	rotateCommand = "/etc/init.d/syslog restart"
)

type Adapter struct {
	log            *zap.SugaredLogger
	client         *adbproto.Client
	prober         *probe.Prober
	poll           time.Duration
	deviceInterval time.Duration
}

type Option func(a *Adapter)

// WithProber adds an HTTP readiness check after the device is listed again.
func WithProber(p *probe.Prober) Option {
	return func(a *Adapter) {
		a.prober = p
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.poll = d
		}
	}
}

func WithDeviceInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.deviceInterval = d
		}
	}
}

func New(log *zap.SugaredLogger, client *adbproto.Client, opts ...Option) *Adapter {
	a := &Adapter{
		log:            log,
		client:         client,
		poll:           DefaultPollInterval,
		deviceInterval: DefaultDeviceInterval,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

func (a *Adapter) Name() string {
	return "adb"
}

func (a *Adapter) Enable(ctx context.Context, filter string) (capture.Stream, error) {
	cmd := capture.TailCommand(filter)
	a.log.Debug("ADB: starting ", cmd)

	conn, err := a.client.Shell(ctx, cmd)
	if err != nil {
		return nil, err
	}

	return newStream(conn, a.poll), nil
}

// Disable ends the tail and restarts syslog on the device, which clears its
// log buffer for the next session.
func (a *Adapter) Disable(ctx context.Context, stream capture.Stream) error {
	err := stream.Close()

	if _, rerr := a.client.Run(ctx, rotateCommand); rerr != nil {
		err = multierr.Append(err, fmt.Errorf("rotate remote log: %w", rerr))
	}

	return err
}

// Reconnect opens a new host connection, so it is the same as Enable.
func (a *Adapter) Reconnect(ctx context.Context, filter string) (capture.Stream, error) {
	return a.Enable(ctx, filter)
}

func (a *Adapter) ProbeReady(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := a.client.WaitForDevice(ctx, a.deviceInterval); err != nil {
		a.log.Warn("ADB device is not listed: ", err)
		return false
	}

	a.log.Info("ADB device is up")
	if a.prober == nil {
		return true
	}

	deadline, _ := ctx.Deadline()
	return a.prober.Ready(ctx, time.Until(deadline))
}

func (a *Adapter) RebootMarkers() capture.RebootMarkers {
	return capture.RebootMarkers{}
}

// DeviceGone reports whether the device dropped off the ADB device list. An
// unreachable ADB server counts as gone.
func (a *Adapter) DeviceGone(ctx context.Context) bool {
	ok, err := a.client.Attached(ctx)
	if err != nil {
		a.log.Debug("ADB: device list failed: ", err)
		return true
	}

	return !ok
}

func (a *Adapter) Dump(ctx context.Context) (string, error) {
	out, err := a.client.Run(ctx, "logread")
	if err != nil {
		return string(out), fmt.Errorf("logread: %w", err)
	}

	return string(out), nil
}

// IndependentChannels is true: every ADB shell runs on its own connection.
func (a *Adapter) IndependentChannels() bool {
	return true
}

// Pull copies the regular files of remoteDir into localDir. onFile, when set,
// is called before each file is copied.
func (a *Adapter) Pull(ctx context.Context, remoteDir string, localDir string, onFile func(entry adbproto.ListDirectoryEntry)) ([]string, error) {
	entries, err := a.client.ListDirectory(ctx, remoteDir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", remoteDir, err)
	}

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, err
	}

	var pulled []string
	for _, entry := range entries {
		if entry.StatError != 0 || !entry.Stat.IsRegular() {
			continue
		}

		if onFile != nil {
			onFile(entry)
		}

		dest := filepath.Join(localDir, filepath.Base(entry.Name))
		if err := a.pullFile(ctx, path.Join(remoteDir, entry.Name), dest); err != nil {
			return pulled, err
		}

		pulled = append(pulled, dest)
	}

	a.log.Info("Pulled ", len(pulled), " files from ", remoteDir)
	return pulled, nil
}

func (a *Adapter) pullFile(ctx context.Context, remote string, dest string) (err error) {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	n, err := a.client.PullFile(ctx, remote, f)
	if err != nil {
		return fmt.Errorf("pull %s: %w", remote, err)
	}

	a.log.Debug("ADB: pulled ", remote, " (", n, " bytes)")
	return nil
}

type stream struct {
	conn adbproto.RawConnection
	poll time.Duration
	buf  []byte
}

func newStream(conn adbproto.RawConnection, poll time.Duration) *stream {
	return &stream{
		conn: conn,
		poll: poll,
		buf:  make([]byte, 16*1024),
	}
}

func (s *stream) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(s.poll)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	n, err := s.conn.ReadAvailable(s.buf, deadline)
	if n > 0 {
		out := make([]byte, n)
		copy(out, s.buf[:n])
		return out, nil
	}

	if err == io.EOF {
		return nil, fmt.Errorf("log tail ended: %w", err)
	}

	return nil, err
}

func (s *stream) Write(cmd string) error {
	return s.conn.WriteRaw([]byte(cmd + "\n"))
}

func (s *stream) Close() error {
	return s.conn.Close()
}
