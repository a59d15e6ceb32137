// Package probe checks whether a device has finished booting by polling the
// info endpoint of its web server.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultField    = "serialNumber"
	DefaultInterval = 2 * time.Second
	DefaultTimeout  = 150 * time.Second

	// MaxBodySize bounds how much of the info response is inspected.
	MaxBodySize int64 = 1 << 20

	requestTimeout = 5 * time.Second
)

type Prober struct {
	log      *zap.SugaredLogger
	client   *http.Client
	url      string
	field    string
	interval time.Duration
}

type Option func(p *Prober)

// WithField sets the text that must appear in the info response.
func WithField(field string) Option {
	return func(p *Prober) {
		if field != "" {
			p.field = field
		}
	}
}

func WithInterval(interval time.Duration) Option {
	return func(p *Prober) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(p *Prober) {
		p.client = client
	}
}

// New returns a prober for the device web server at baseURL
// (e.g. "http://192.168.1.150:8090").
func New(log *zap.SugaredLogger, baseURL string, opts ...Option) *Prober {
	p := &Prober{
		log:      log,
		client:   &http.Client{Timeout: requestTimeout},
		url:      strings.TrimRight(baseURL, "/") + "/info",
		field:    DefaultField,
		interval: DefaultInterval,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Prober) URL() string {
	return p.url
}

// Once performs a single request and reports whether the response names the
// identifying field.
func (p *Prober) Once(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return false, fmt.Errorf("reading response body: %w", err)
	}

	return strings.Contains(string(body), p.field), nil
}

// Ready polls until the device answers or timeout elapses.
func (p *Prober) Ready(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Debug("Waiting for device at ", p.url)
	for {
		ok, err := p.Once(ctx)
		if ok {
			p.log.Info("Device is ready")
			return true
		}
		if err != nil {
			p.log.Debug("Device not ready: ", err)
		}

		select {
		case <-ctx.Done():
			p.log.Warn("Device did not become ready within ", timeout)
			return false
		case <-ticker.C:
		}
	}
}
