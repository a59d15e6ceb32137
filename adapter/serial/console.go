package serial

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	cliPrompt   = "->"
	rootPrompt  = "root@"
	loginPrompt = "login:"
	interrupt   = "\x03"
)

var ErrLoginFailed = errors.New("could not log in as root")

// console drives the shell on the other end of a serial line.
type console struct {
	log  *zap.SugaredLogger
	cfg  Config
	port Port
	buf  []byte
}

func newConsole(log *zap.SugaredLogger, cfg Config, port Port) *console {
	return &console{
		log:  log,
		cfg:  cfg,
		port: port,
		buf:  make([]byte, 4096),
	}
}

func (c *console) write(s string) error {
	_, err := c.port.Write([]byte(s))
	return err
}

// readFor collects everything that arrives within d. Reads are cut into poll
// intervals so a cancelled ctx ends the wait early.
func (c *console) readFor(ctx context.Context, d time.Duration) (string, error) {
	deadline := time.Now().Add(d)

	var sb strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return sb.String(), err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return sb.String(), nil
		}
		if remaining > c.cfg.PollInterval {
			remaining = c.cfg.PollInterval
		}

		n, err := c.port.Read(c.buf, remaining)
		sb.Write(c.buf[:n])
		if err != nil {
			return sb.String(), err
		}
	}
}

// readUntilQuiet collects output until nothing arrives for quiet.
func (c *console) readUntilQuiet(ctx context.Context, quiet time.Duration) (string, error) {
	var sb strings.Builder
	for {
		out, err := c.readFor(ctx, quiet)
		sb.WriteString(out)
		if err != nil || out == "" {
			return sb.String(), err
		}
	}
}

// exitCLI leaves the product CLI when its prompt is showing and turns the
// local shell on. It reports whether a shell or login prompt followed.
func (c *console) exitCLI(ctx context.Context) (bool, error) {
	if err := c.write("\n"); err != nil {
		return false, err
	}

	out, err := c.readFor(ctx, c.cfg.CommandWait)
	if err != nil {
		return false, err
	}
	if !strings.Contains(out, cliPrompt) {
		return false, nil
	}

	for _, cmd := range []string{"\n", "local_services on\n", interrupt, "e\n"} {
		if err := c.write(cmd); err != nil {
			return false, err
		}
	}

	out, err = c.readFor(ctx, c.cfg.CLIExitWait)
	if err != nil {
		return false, err
	}

	if strings.Contains(out, rootPrompt) || strings.Contains(out, loginPrompt) {
		c.log.Debug("Serial: exited from CLI")
		return true, nil
	}

	c.log.Warn("Serial: couldn't exit CLI")
	return false, nil
}

// login interrupts whatever runs on the console and logs in as root.
func (c *console) login(ctx context.Context) (bool, error) {
	if err := c.write("\n" + interrupt + "\r\n"); err != nil {
		return false, err
	}

	out, err := c.readFor(ctx, c.cfg.CommandWait)
	if err != nil {
		return false, err
	}
	if strings.Contains(out, rootPrompt) {
		return true, nil
	}

	for attempt := 0; attempt < c.cfg.LoginAttempts; attempt++ {
		if err := c.write("root\n"); err != nil {
			return false, err
		}

		out, err := c.readFor(ctx, c.cfg.CommandWait)
		if err != nil {
			return false, err
		}
		if strings.Contains(out, rootPrompt) {
			c.log.Info("Serial: logged in as root")
			return true, nil
		}
	}

	c.log.Warn("Serial: couldn't log in as root")
	return false, nil
}

// loginWithin retries login until it succeeds or window elapses.
func (c *console) loginWithin(ctx context.Context, window time.Duration) (bool, error) {
	deadline := time.Now().Add(window)
	for {
		ok, err := c.login(ctx)
		if ok || err != nil {
			return ok, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}
	}
}

// startTail leaves the CLI, logs in and starts the follow command. It returns
// the first output of the command.
func (c *console) startTail(ctx context.Context, filter string) (string, error) {
	if _, err := c.exitCLI(ctx); err != nil {
		return "", err
	}

	for try := 0; try < c.cfg.EnableTries; try++ {
		ok, err := c.login(ctx)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}

		if err := c.write(tailCommand(filter) + "\r\n"); err != nil {
			return "", err
		}
		return c.readFor(ctx, c.cfg.CommandWait)
	}

	return "", ErrLoginFailed
}

// stopTail interrupts the follow command.
func (c *console) stopTail() error {
	return c.write("\n" + interrupt + "\r\n")
}
