// Package config loads the INI device profile that selects a transport and
// tunes the capture engine.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture/archive"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/probe"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/transport/adb"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/transport/serialport"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/transport/telnet"
	"gopkg.in/ini.v1"
)

const (
	TransportADB    = "adb"
	TransportTelnet = "telnet"
	TransportSerial = "serial"
)

// DeviceWebPort serves the device's info endpoint.
const DeviceWebPort = "8090"

var ErrInvalid = errors.New("invalid config")

type ADB struct {
	Server  string
	Serial  string
	PullDir string
}

type Telnet struct {
	Port     int
	CLIPort  int
	User     string
	Password string
}

type Serial struct {
	Port string
	Baud int
}

type Probe struct {
	URL      string
	Field    string
	Interval time.Duration
	Timeout  time.Duration
}

type Capture struct {
	Output        string
	StartTimeout  time.Duration
	StopTimeout   time.Duration
	JoinTimeout   time.Duration
	RebootSettle  time.Duration
	Codec         string
	RetentionDays int
}

type Markers struct {
	Immediate []string
	Arm       []string
	Complete  []string
}

type Config struct {
	Name      string
	Transport string
	Host      string

	ADB     ADB
	Telnet  Telnet
	Serial  Serial
	Probe   Probe
	Capture Capture
	Markers Markers
}

func Default() *Config {
	return &Config{
		Name:      "device",
		Transport: TransportADB,
		ADB: ADB{
			Server:  adb.DefaultServerAddr,
			PullDir: "/mnt/nv/BoseLog",
		},
		Telnet: Telnet{
			Port:    telnet.DefaultPort,
			CLIPort: telnet.CLIPort,
			User:    "root",
		},
		Serial: Serial{
			Port: "/dev/ttyUSB0",
			Baud: serialport.DefaultBaud,
		},
		Probe: Probe{
			Field:    probe.DefaultField,
			Interval: probe.DefaultInterval,
			Timeout:  probe.DefaultTimeout,
		},
		Capture: Capture{
			Output:        "logs",
			StartTimeout:  capture.DefaultStartTimeout,
			StopTimeout:   capture.DefaultStopTimeout,
			JoinTimeout:   capture.DefaultJoinTimeout,
			RebootSettle:  capture.DefaultRebootSettle,
			Codec:         string(archive.CodecGzip),
			RetentionDays: int(archive.DefaultRetention / (24 * time.Hour)),
		},
	}
}

// Load reads the profile at path over the defaults.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	return Parse(file), nil
}

// Parse applies the keys present in file over the defaults.
func Parse(file *ini.File) *Config {
	c := Default()

	sect := file.Section("device")
	c.Name = sect.Key("name").MustString(c.Name)
	c.Transport = strings.ToLower(sect.Key("transport").MustString(c.Transport))
	c.Host = sect.Key("host").MustString(c.Host)

	sect = file.Section("adb")
	c.ADB.Server = sect.Key("server").MustString(c.ADB.Server)
	c.ADB.Serial = sect.Key("serial").MustString(c.ADB.Serial)
	c.ADB.PullDir = sect.Key("pull_dir").MustString(c.ADB.PullDir)

	sect = file.Section("telnet")
	c.Telnet.Port = sect.Key("port").MustInt(c.Telnet.Port)
	c.Telnet.CLIPort = sect.Key("cli_port").MustInt(c.Telnet.CLIPort)
	c.Telnet.User = sect.Key("user").MustString(c.Telnet.User)
	c.Telnet.Password = sect.Key("password").MustString(c.Telnet.Password)

	sect = file.Section("serial")
	c.Serial.Port = sect.Key("port").MustString(c.Serial.Port)
	c.Serial.Baud = sect.Key("baud").MustInt(c.Serial.Baud)

	sect = file.Section("probe")
	c.Probe.URL = sect.Key("url").MustString(c.Probe.URL)
	c.Probe.Field = sect.Key("field").MustString(c.Probe.Field)
	c.Probe.Interval = sect.Key("interval").MustDuration(c.Probe.Interval)
	c.Probe.Timeout = sect.Key("timeout").MustDuration(c.Probe.Timeout)

	sect = file.Section("capture")
	c.Capture.Output = sect.Key("output").MustString(c.Capture.Output)
	c.Capture.StartTimeout = sect.Key("start_timeout").MustDuration(c.Capture.StartTimeout)
	c.Capture.StopTimeout = sect.Key("stop_timeout").MustDuration(c.Capture.StopTimeout)
	c.Capture.JoinTimeout = sect.Key("join_timeout").MustDuration(c.Capture.JoinTimeout)
	c.Capture.RebootSettle = sect.Key("reboot_settle").MustDuration(c.Capture.RebootSettle)
	c.Capture.Codec = sect.Key("codec").MustString(c.Capture.Codec)
	c.Capture.RetentionDays = sect.Key("retention_days").MustInt(c.Capture.RetentionDays)

	sect = file.Section("markers")
	c.Markers.Immediate = list(sect.Key("immediate"))
	c.Markers.Arm = list(sect.Key("arm"))
	c.Markers.Complete = list(sect.Key("complete"))

	return c
}

func list(key *ini.Key) []string {
	var out []string
	for _, v := range key.Strings(",") {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate checks the keys the selected transport needs.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportADB:
	case TransportTelnet:
		if c.Host == "" {
			return fmt.Errorf("%w: telnet transport needs device.host", ErrInvalid)
		}
		if c.Telnet.Port <= 0 || c.Telnet.CLIPort <= 0 {
			return fmt.Errorf("%w: telnet ports must be positive", ErrInvalid)
		}
	case TransportSerial:
		if c.Serial.Port == "" {
			return fmt.Errorf("%w: serial transport needs serial.port", ErrInvalid)
		}
		if c.Serial.Baud <= 0 {
			return fmt.Errorf("%w: serial.baud must be positive", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}

	if _, err := archive.ParseCodec(c.Capture.Codec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if c.Capture.RetentionDays < 0 {
		return fmt.Errorf("%w: capture.retention_days must not be negative", ErrInvalid)
	}

	if c.Probe.Timeout <= 0 || c.Probe.Interval <= 0 {
		return fmt.Errorf("%w: probe interval and timeout must be positive", ErrInvalid)
	}

	return nil
}

// ProbeURL is the configured device web server, or the one on the device
// host. It is empty when neither is known.
func (c *Config) ProbeURL() string {
	if c.Probe.URL != "" {
		return c.Probe.URL
	}

	if c.Host == "" {
		return ""
	}

	return "http://" + net.JoinHostPort(c.Host, DeviceWebPort)
}

// RebootMarkers returns the marker overrides, or false when none are set.
func (c *Config) RebootMarkers() (capture.RebootMarkers, bool) {
	m := capture.RebootMarkers{
		Immediate: c.Markers.Immediate,
		Arm:       c.Markers.Arm,
		Complete:  c.Markers.Complete,
	}

	set := len(m.Immediate)+len(m.Arm)+len(m.Complete) > 0
	return m, set
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Capture.RetentionDays) * 24 * time.Hour
}
