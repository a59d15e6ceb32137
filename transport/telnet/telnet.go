// Package telnet is a minimal telnet client for device shells. It refuses every
// option the peer offers, so the session stays a plain byte stream.
package telnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPort = 23
	CLIPort     = 17000

	ShellPrompt = "#"
	CLIPrompt   = "->"
	LoginPrompt = "login:"
)

const (
	cmdSE   = 240
	cmdSB   = 250
	cmdWill = 251
	cmdWont = 252
	cmdDo   = 253
	cmdDont = 254
	cmdIAC  = 255
)

var ErrTimeout = errors.New("telnet read timeout")

var promptPattern = regexp.MustCompile(`root@[a-zA-Z0-9]+:[^#\s]*#`)

// StripPrompt removes root shell prompts ("root@host:/path#") from s.
func StripPrompt(s string) string {
	return promptPattern.ReplaceAllString(s, "")
}

type Conn struct {
	log  *zap.SugaredLogger
	conn net.Conn

	writeLock sync.Mutex
	filter    optionFilter
	buf       []byte
}

// Dial connects to addr ("host:port"). The context bounds the connect only.
func Dial(ctx context.Context, log *zap.SugaredLogger, addr string) (*Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	log.Debug("Telnet: connection established ", addr)
	return New(log, conn), nil
}

// New wraps an established connection.
func New(log *zap.SugaredLogger, conn net.Conn) *Conn {
	return &Conn{
		log:  log,
		conn: conn,
		buf:  make([]byte, 4096),
	}
}

func (c *Conn) Close() error {
	err := c.conn.Close()
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Write sends cmd followed by a newline.
func (c *Conn) Write(cmd string) error {
	return c.writeRaw([]byte(cmd + "\n"))
}

func (c *Conn) writeRaw(data []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	_, err := c.conn.Write(data)
	return err
}

// ReadAvailable returns the data that arrives within timeout, with telnet
// negotiation removed. An idle period returns "" and a nil error; io.EOF is
// returned once the peer has closed and nothing is left.
func (c *Conn) ReadAvailable(timeout time.Duration) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}

	n, err := c.conn.Read(c.buf)

	var out string
	if n > 0 {
		data, replies := c.filter.process(c.buf[:n])
		if len(replies) > 0 {
			if werr := c.writeRaw(replies); werr != nil {
				c.log.Debug("Telnet: failed to refuse option: ", werr)
			}
		}
		out = string(data)
	}

	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return out, nil
		}
		if out != "" && err == io.EOF {
			return out, nil
		}
		return out, err
	}

	return out, nil
}

// ReadUntil reads until token appears or timeout elapses. The data read so far
// is returned in both cases.
func (c *Conn) ReadUntil(token string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	var sb strings.Builder
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return sb.String(), fmt.Errorf("waiting for %q: %w", token, ErrTimeout)
		}

		data, err := c.ReadAvailable(remaining)
		sb.WriteString(data)
		if strings.Contains(sb.String(), token) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
	}
}

// Login waits for the login prompt, sends the credentials and waits for the
// shell prompt. An empty password skips the password line.
func (c *Conn) Login(user, password string, timeout time.Duration) error {
	c.log.Debug("Telnet: logging in as ", user)

	if _, err := c.ReadUntil(LoginPrompt, timeout); err != nil {
		return err
	}

	if err := c.Write(user); err != nil {
		return err
	}

	if password != "" {
		if err := c.Write(password); err != nil {
			return err
		}
	}

	_, err := c.ReadUntil(ShellPrompt, timeout)
	return err
}

// RemoteServices turns on the device's remote shell through the product CLI
// listening at addr.
func RemoteServices(ctx context.Context, log *zap.SugaredLogger, addr string) error {
	conn, err := Dial(ctx, log, addr)
	if err != nil {
		return fmt.Errorf("remote services: %w", err)
	}
	defer conn.Close()

	if err := conn.Write(""); err != nil {
		return err
	}
	if err := conn.Write("remote_services on"); err != nil {
		return err
	}

	// The CLI echoes the command back. Draining the reply is best effort.
	_, err = conn.ReadUntil(CLIPrompt, time.Second)
	if err != nil && !errors.Is(err, ErrTimeout) && err != io.EOF {
		return err
	}

	return nil
}

type filterState int

const (
	stateData filterState = iota
	stateIAC
	stateOption
	stateSub
	stateSubIAC
)

// optionFilter strips IAC sequences from the stream, keeping its position
// across reads, and queues refusals for every DO and WILL it sees.
type optionFilter struct {
	state filterState
	verb  byte
}

func (f *optionFilter) process(in []byte) ([]byte, []byte) {
	out := make([]byte, 0, len(in))
	var replies []byte

	for _, b := range in {
		switch f.state {
		case stateData:
			if b == cmdIAC {
				f.state = stateIAC
				continue
			}
			out = append(out, b)
		case stateIAC:
			switch b {
			case cmdIAC:
				out = append(out, cmdIAC)
				f.state = stateData
			case cmdDo, cmdDont, cmdWill, cmdWont:
				f.verb = b
				f.state = stateOption
			case cmdSB:
				f.state = stateSub
			default:
				f.state = stateData
			}
		case stateOption:
			switch f.verb {
			case cmdDo:
				replies = append(replies, cmdIAC, cmdWont, b)
			case cmdWill:
				replies = append(replies, cmdIAC, cmdDont, b)
			}
			f.state = stateData
		case stateSub:
			if b == cmdIAC {
				f.state = stateSubIAC
			}
		case stateSubIAC:
			if b == cmdSE {
				f.state = stateData
			} else {
				f.state = stateSub
			}
		}
	}

	return out, replies
}
