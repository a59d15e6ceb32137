//go:build !linux

package serialport

import (
	"errors"
	"os"
)

var errUnsupportedPlatform = errors.New("serial ports are only supported on linux")

func openDevice(path string) (*os.File, error) {
	return nil, errUnsupportedPlatform
}

func configure(file *os.File, baud int) error {
	return errUnsupportedPlatform
}
