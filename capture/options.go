package capture

import (
	"time"

	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture/archive"
)

const (
	DefaultStartTimeout   = 10 * time.Second
	DefaultStopTimeout    = 10 * time.Second
	DefaultJoinTimeout    = 10 * time.Second
	DefaultRebootSettle   = 30 * time.Second
	DefaultReadyTimeout   = 150 * time.Second
	DefaultSilenceCheck   = 2 * time.Second
	DefaultChannelSize    = 1024
	DefaultPollInterval   = 20 * time.Millisecond
	DefaultKeywordTimeout = 10 * time.Second
)

type config struct {
	outputRoot   string
	startTimeout time.Duration
	stopTimeout  time.Duration
	joinTimeout  time.Duration
	rebootSettle time.Duration
	readyTimeout time.Duration
	silenceCheck time.Duration
	backoff      Backoff
	archiver     *archive.Writer
	channelSize  int
	pollInterval time.Duration
	markers      *RebootMarkers
	now          func() time.Time
}

type Option func(c *config)

// WithOutputRoot sets the directory session and dump artifacts are written under.
func WithOutputRoot(dir string) Option {
	return func(c *config) {
		c.outputRoot = dir
	}
}

func WithStartTimeout(d time.Duration) Option {
	return func(c *config) {
		c.startTimeout = d
	}
}

func WithStopTimeout(d time.Duration) Option {
	return func(c *config) {
		c.stopTimeout = d
	}
}

func WithJoinTimeout(d time.Duration) Option {
	return func(c *config) {
		c.joinTimeout = d
	}
}

func WithReconnectPolicy(b Backoff) Option {
	return func(c *config) {
		c.backoff = b
	}
}

// WithRebootSettle sets how long the worker waits after a reboot marker before
// probing the device.
func WithRebootSettle(d time.Duration) Option {
	return func(c *config) {
		c.rebootSettle = d
	}
}

func WithReadyTimeout(d time.Duration) Option {
	return func(c *config) {
		c.readyTimeout = d
	}
}

// WithSilenceCheck sets how long the stream must be idle before the adapter
// is asked whether the device is gone.
func WithSilenceCheck(d time.Duration) Option {
	return func(c *config) {
		c.silenceCheck = d
	}
}

func WithArchiver(w *archive.Writer) Option {
	return func(c *config) {
		c.archiver = w
	}
}

func WithChannelSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.channelSize = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithRebootMarkers replaces the adapter's reboot markers.
func WithRebootMarkers(m RebootMarkers) Option {
	return func(c *config) {
		c.markers = &m
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

type startConfig struct {
	testClass   string
	path        string
	grep        string
	incremental bool
}

type StartOption func(c *startConfig)

// WithTestClass places the session under a directory named after the class.
func WithTestClass(class string) StartOption {
	return func(c *startConfig) {
		c.testClass = class
	}
}

// WithPath writes the session artifacts to dir instead of the output root.
func WithPath(dir string) StartOption {
	return func(c *startConfig) {
		c.path = dir
	}
}

// WithGrep filters the remote tail through grep.
func WithGrep(filter string) StartOption {
	return func(c *startConfig) {
		c.grep = filter
	}
}

// WithIncrementalSave appends captured text to the session file as it is
// drained instead of holding it in memory until Stop.
func WithIncrementalSave() StartOption {
	return func(c *startConfig) {
		c.incremental = true
	}
}

type stopConfig struct {
	save     bool
	compress bool
}

type StopOption func(c *stopConfig)

func WithoutSave() StopOption {
	return func(c *stopConfig) {
		c.save = false
	}
}

func WithoutCompression() StopOption {
	return func(c *stopConfig) {
		c.compress = false
	}
}

type logreadConfig struct {
	save bool
	name string
}

type LogreadOption func(c *logreadConfig)

func WithoutLogreadSave() LogreadOption {
	return func(c *logreadConfig) {
		c.save = false
	}
}

// WithLogName names the dump file. The default is DefaultDumpName.
func WithLogName(name string) LogreadOption {
	return func(c *logreadConfig) {
		c.name = name
	}
}
