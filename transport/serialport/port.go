// Package serialport opens a device console on a serial line in raw 8N1 mode.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const DefaultBaud = 115200

var ErrUnsupportedBaud = errors.New("unsupported baud rate")

type Port struct {
	path string
	file *os.File
}

// Open opens path and configures it for raw 8N1 at baud.
func Open(path string, baud int) (*Port, error) {
	file, err := openDevice(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if err := configure(file, baud); err != nil {
		file.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}

	return &Port{
		path: path,
		file: file,
	}, nil
}

func (p *Port) Path() string {
	return p.path
}

// Read waits up to timeout for data. An idle period returns 0 and a nil error.
func (p *Port) Read(buf []byte, timeout time.Duration) (int, error) {
	if err := p.file.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}

	n, err := p.file.Read(buf)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	if errors.Is(err, os.ErrClosed) {
		return n, io.EOF
	}

	return n, err
}

func (p *Port) Write(data []byte) (int, error) {
	return p.file.Write(data)
}

// WriteLine writes line terminated by a newline.
func (p *Port) WriteLine(line string) error {
	_, err := p.Write([]byte(line + "\n"))
	return err
}

// Close releases the port. A Read blocked on the port returns io.EOF.
func (p *Port) Close() error {
	err := p.file.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
