package adb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/util"
	"go.uber.org/zap"
)

// StateDevice is the device-list state of an attached, authorised device.
const StateDevice = "device"

var ErrNoDevice = errors.New("no adb device attached")

type Device struct {
	Serial string
	State  string
}

// Client issues host and device service requests against an ADB server.
type Client struct {
	log     *zap.SugaredLogger
	factory RawConnectionFactory
	serial  string
}

// New returns a client bound to the device with the given serial. An empty
// serial selects any single attached device.
func New(log *zap.SugaredLogger, factory RawConnectionFactory, serial string) *Client {
	return &Client{
		log:     log,
		factory: factory,
		serial:  serial,
	}
}

func (c *Client) Serial() string {
	return c.serial
}

func (c *Client) SendCommand(ctx context.Context, cmd []byte) (RawConnection, error) {
	conn, err := c.factory.NewRawConnection(ctx)
	if err != nil {
		return nil, err
	}

	stop := closeOnDone(ctx, conn)
	defer stop()

	err = conn.SendCommand(cmd)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

func (c *Client) ExecuteCommand(ctx context.Context, cmd []byte, hasBody bool) ([]byte, error) {
	conn, err := c.SendCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}

	defer conn.Close()

	if !hasBody {
		return nil, nil
	}

	stop := closeOnDone(ctx, conn)
	defer stop()

	return conn.ReadHexPrefixedBlob()
}

// Devices lists the devices known to the ADB server.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	body, err := c.ExecuteCommand(ctx, []byte("host:devices"), true)
	if err != nil {
		return nil, err
	}

	return ParseDevices(string(body)), nil
}

// ParseDevices parses "serial\tstate" lines as returned by host:devices.
func ParseDevices(body string) []Device {
	var devices []Device

	for _, line := range util.SplitLines(body) {
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		devices = append(devices, Device{
			Serial: parts[0],
			State:  parts[1],
		})
	}

	return devices
}

// Attached reports whether the bound device is listed in the "device" state.
func (c *Client) Attached(ctx context.Context) (bool, error) {
	devices, err := c.Devices(ctx)
	if err != nil {
		return false, err
	}

	for _, d := range devices {
		if d.State != StateDevice {
			continue
		}

		if c.serial == "" || d.Serial == c.serial {
			return true, nil
		}
	}

	return false, nil
}

// WaitForDevice polls the device list until the bound device is attached.
func (c *Client) WaitForDevice(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := c.Attached(ctx)
		if err != nil {
			c.log.Debug("adb device list failed: ", err)
		} else if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ErrNoDevice
		case <-ticker.C:
		}
	}
}

// OpenDevice opens a connection switched to the bound device's transport.
func (c *Client) OpenDevice(ctx context.Context) (RawConnection, error) {
	if c.serial == "" {
		return c.SendCommand(ctx, []byte("host:transport-any"))
	}

	return c.SendCommand(ctx, []byte("host:transport:"+c.serial))
}

// Shell starts cmd through the legacy shell service. The returned connection
// carries the raw output of the command until it exits.
func (c *Client) Shell(ctx context.Context, cmd string) (RawConnection, error) {
	conn, err := c.OpenDevice(ctx)
	if err != nil {
		return nil, err
	}

	stop := closeOnDone(ctx, conn)
	defer stop()

	err = conn.SendCommand([]byte("shell:" + cmd))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("shell %q: %w", cmd, err)
	}

	return conn, nil
}

// Run executes cmd and returns its output once the remote command exits.
func (c *Client) Run(ctx context.Context, cmd string) ([]byte, error) {
	conn, err := c.Shell(ctx, cmd)
	if err != nil {
		return nil, err
	}

	defer conn.Close()

	stop := closeOnDone(ctx, conn)
	defer stop()

	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := conn.ReadAvailable(buf, time.Now().Add(time.Second))
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
	}
}

func closeOnDone(ctx context.Context, conn RawConnection) func() bool {
	return context.AfterFunc(ctx, func() {
		conn.Close()
	})
}
