package adb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

const DefaultServerAddr = "127.0.0.1:5037"

// RawConnection based on https://android.googlesource.com/platform/packages/modules/adb/+/HEAD/OVERVIEW.TXT
type RawConnection interface {
	Close() error
	WriteRaw(packet []byte) error
	WriteMessage(msg []byte) error
	ReadRaw(blob []byte) error
	ReadStatus() (string, error)
	ReadHexPrefixedBlob() ([]byte, error)
	ReadLine() (*string, error)
	// ReadAvailable reads whatever is available before the deadline. A zero count
	// with a nil error means the deadline passed without data.
	ReadAvailable(buf []byte, deadline time.Time) (int, error)
	SendCommand(cmd []byte) error
}

type RawConnectionFactory interface {
	NewRawConnection(ctx context.Context) (RawConnection, error)
}

type networkRawConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

type networkRawConnFactory struct {
	addr string
}

func NewRawConnectionFactory(addr string) RawConnectionFactory {
	if addr == "" {
		addr = DefaultServerAddr
	}

	return &networkRawConnFactory{addr: addr}
}

func (f *networkRawConnFactory) NewRawConnection(ctx context.Context) (RawConnection, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return nil, err
	}

	return newNetworkRawConn(conn), nil
}

// NewConn wraps an established connection to an ADB server.
func NewConn(conn net.Conn) RawConnection {
	return newNetworkRawConn(conn)
}

func newNetworkRawConn(conn net.Conn) *networkRawConn {
	return &networkRawConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (c *networkRawConn) Close() error {
	err := c.conn.Close()
	// Ignore network closed error
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *networkRawConn) WriteRaw(packet []byte) error {
	wrote, err := c.conn.Write(packet)
	if err != nil {
		c.Close()
		return err
	}

	if wrote != len(packet) {
		c.Close()
		return errors.New("failed to write full packet")
	}

	return nil
}

func (c *networkRawConn) WriteMessage(msg []byte) error {
	packet := []byte(fmt.Sprintf("%04x%s", len(msg), msg))
	return c.WriteRaw(packet)
}

func (c *networkRawConn) ReadRaw(blob []byte) error {
	_, err := io.ReadFull(c.reader, blob)
	if err != nil {
		c.Close()
		return err
	}

	return nil
}

func (c *networkRawConn) ReadStatus() (string, error) {
	resp := make([]byte, 4)
	if err := c.ReadRaw(resp); err != nil {
		return "", err
	}

	return string(resp), nil
}

func (c *networkRawConn) ReadHexPrefixedBlob() ([]byte, error) {
	sizeBlob := make([]byte, 4)
	if err := c.ReadRaw(sizeBlob); err != nil {
		return nil, err
	}

	size, err := strconv.ParseInt(string(sizeBlob), 16, 64)
	if err != nil {
		c.Close()
		return nil, err
	}

	blob := make([]byte, size)
	if err := c.ReadRaw(blob); err != nil {
		return nil, err
	}

	return blob, nil
}

func (c *networkRawConn) ReadLine() (*string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return &line, nil
		}

		c.Close()
		return nil, err
	}

	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}

	return &line, nil
}

func (c *networkRawConn) ReadAvailable(buf []byte, deadline time.Time) (int, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	defer c.conn.SetReadDeadline(time.Time{})

	n, err := c.reader.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return n, nil
		}

		return n, err
	}

	return n, nil
}

func (c *networkRawConn) SendCommand(cmd []byte) error {
	err := c.WriteMessage(cmd)
	if err != nil {
		return err
	}

	status, err := c.ReadStatus()
	if err != nil {
		return err
	}

	if status != "OKAY" {
		// Read error
		errBlob, err := c.ReadHexPrefixedBlob()
		if err != nil {
			return err
		}

		return fmt.Errorf("server error: %s", errBlob)
	}

	return nil
}
