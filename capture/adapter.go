package capture

import (
	"context"
	"time"
)

// Adapter binds the engine to one way of reaching a device's system log.
type Adapter interface {
	Name() string

	// Enable opens the transport and issues the remote tail command, filtered
	// through grep when filter is not empty.
	Enable(ctx context.Context, filter string) (Stream, error)

	// Disable stops the remote tail and releases the stream.
	Disable(ctx context.Context, stream Stream) error

	// Reconnect re-establishes the tail after a reboot or a dropped transport.
	Reconnect(ctx context.Context, filter string) (Stream, error)

	// ProbeReady reports whether the device is reachable again within timeout.
	ProbeReady(ctx context.Context, timeout time.Duration) bool

	RebootMarkers() RebootMarkers
}

// Stream is a live remote tail.
type Stream interface {
	// Read returns the next available output. It returns (nil, nil) when no
	// data arrived within one poll period.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a command line to the remote shell.
	Write(cmd string) error

	Close() error
}

// SilenceChecker is implemented by adapters that can tell a quiet device from
// a vanished one.
type SilenceChecker interface {
	DeviceGone(ctx context.Context) bool
}

// Annotator is implemented by adapters that can write audit markers into the
// remote log.
type Annotator interface {
	Annotate(stream Stream, label string) error
}

// Pauser is implemented by adapters that support pausing the capture with
// remote markers.
type Pauser interface {
	PauseMarker(stream Stream, label string) error
	ResumeMarker(stream Stream, label string) error
}

// Dumper is implemented by adapters that can produce a one-shot dump of the
// device log.
type Dumper interface {
	Dump(ctx context.Context) (string, error)

	// IndependentChannels reports whether a dump can run while a tail is
	// active on the same device.
	IndependentChannels() bool
}

// TailCommand returns the remote follow command, piped through grep when
// filter is not empty.
func TailCommand(filter string) string {
	if filter == "" {
		return "logread -f"
	}

	return "logread -f | grep " + filter
}
