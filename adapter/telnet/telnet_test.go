package telnet

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture/archive"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/probe"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/util/testutil"
	"github.com/matryer/is"
	"go.uber.org/zap/zaptest"
)

// fakeDevice is a root shell behind a login prompt. The tail command prints
// one line, echo prints its argument and logread prints the buffer.
func fakeDevice(t *testing.T) Config {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go serveShell(conn)
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	return Config{
		Host:         "127.0.0.1",
		Port:         addr.Port,
		CLIPort:      1,
		LoginTimeout: time.Second,
		PollInterval: 10 * time.Millisecond,
		EnableWait:   200 * time.Millisecond,
		DumpSettle:   100 * time.Millisecond,
	}
}

func serveShell(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	fmt.Fprint(conn, "spotty login: ")
	if user, err := reader.ReadString('\n'); err != nil || strings.TrimSpace(user) != "root" {
		return
	}
	fmt.Fprint(conn, "root@spotty:~# ")

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "logread -f"):
			fmt.Fprintf(conn, "%s\nJan 1 app: hello\n", line)
		case strings.HasPrefix(line, "echo "):
			fmt.Fprintf(conn, "%s\n", strings.TrimPrefix(line, "echo "))
		case line == "logread":
			fmt.Fprint(conn, "logread\nJan 1 boot\nJan 1 ready\nroot@spotty:~# ")
		default:
			fmt.Fprint(conn, "root@spotty:~# ")
		}
	}
}

// rebootingDevice is a shell that goes down for reboot once close(reboot) is
// called. While down its shell port refuses connections until remote services
// are turned on through the CLI port.
type rebootingDevice struct {
	t    *testing.T
	addr string

	reboot   chan struct{}
	downOnce sync.Once

	mu     sync.Mutex
	shell  net.Listener
	booted bool
	cli    []string
}

func newRebootingDevice(t *testing.T, up bool) (*rebootingDevice, Config) {
	shell, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cli, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	d := &rebootingDevice{
		t:      t,
		addr:   shell.Addr().String(),
		reboot: make(chan struct{}),
		shell:  shell,
	}
	if up {
		go d.acceptShell(shell)
	} else {
		shell.Close()
		d.shell = nil
		d.booted = true
	}

	go func() {
		for {
			conn, err := cli.Accept()
			if err != nil {
				return
			}
			go d.serveCLI(conn)
		}
	}()

	t.Cleanup(func() {
		cli.Close()
		d.mu.Lock()
		if d.shell != nil {
			d.shell.Close()
		}
		d.mu.Unlock()
	})

	return d, Config{
		Host:         "127.0.0.1",
		Port:         shell.Addr().(*net.TCPAddr).Port,
		CLIPort:      cli.Addr().(*net.TCPAddr).Port,
		LoginTimeout: time.Second,
		PollInterval: 10 * time.Millisecond,
		EnableWait:   200 * time.Millisecond,
		DumpSettle:   100 * time.Millisecond,
	}
}

func (d *rebootingDevice) acceptShell(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go d.serveShell(conn)
	}
}

func (d *rebootingDevice) serveShell(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	fmt.Fprint(conn, "spotty login: ")
	if user, err := reader.ReadString('\n'); err != nil || strings.TrimSpace(user) != "root" {
		return
	}
	fmt.Fprint(conn, "root@spotty:~# ")

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "logread -f"):
			d.mu.Lock()
			booted := d.booted
			d.mu.Unlock()

			if booted {
				fmt.Fprintf(conn, "%s\nJan 1 app: after\n", line)
				continue
			}
			fmt.Fprintf(conn, "%s\nJan 1 app: before\n", line)
			d.downOnce.Do(func() {
				go d.goDown(conn)
			})
		case strings.HasPrefix(line, "echo "):
			fmt.Fprintf(conn, "%s\n", strings.TrimPrefix(line, "echo "))
		default:
			fmt.Fprint(conn, "root@spotty:~# ")
		}
	}
}

// goDown waits for the reboot request, stops accepting shells and drops conn
// after printing the reboot line.
func (d *rebootingDevice) goDown(conn net.Conn) {
	<-d.reboot

	d.mu.Lock()
	d.shell.Close()
	d.shell = nil
	d.mu.Unlock()

	fmt.Fprintf(conn, "init: %s!\n", RebootMarker)
	conn.Close()
}

// serveCLI answers the product CLI. remote_services on brings the shell port
// back when it is down.
func (d *rebootingDevice) serveCLI(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line != "remote_services on" {
			continue
		}

		d.mu.Lock()
		d.cli = append(d.cli, line)
		if d.shell == nil {
			l, err := net.Listen("tcp", d.addr)
			if err != nil {
				d.mu.Unlock()
				d.t.Errorf("reopen shell port: %v", err)
				return
			}
			d.shell = l
			d.booted = true
			go d.acceptShell(l)
		}
		d.mu.Unlock()

		fmt.Fprint(conn, "OK\n->")
	}
}

func (d *rebootingDevice) cliCommands() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.cli)
}

func readUntil(t *testing.T, stream capture.Stream, text string) string {
	var got string
	ok := testutil.Eventually(2*time.Second, func() bool {
		data, err := stream.Read(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		got += string(data)
		return strings.Contains(got, text)
	})
	if !ok {
		t.Fatalf("%q never arrived, got %q", text, got)
	}
	return got
}

func TestAdapter_Enable(t *testing.T) {
	is := is.New(t)
	a := New(zaptest.NewLogger(t).Sugar(), fakeDevice(t), nil)

	stream, err := a.Enable(context.Background(), "app")
	is.NoErr(err)
	defer stream.Close()

	var got string
	is.True(testutil.Eventually(time.Second, func() bool {
		data, err := stream.Read(context.Background())
		is.NoErr(err)
		got += string(data)
		return strings.Contains(got, "Jan 1 app: hello")
	}))
	is.True(strings.HasPrefix(got, "logread -f | grep app\n"))
}

func TestAdapter_LoginFailure(t *testing.T) {
	is := is.New(t)
	cfg := fakeDevice(t)
	cfg.User = "admin"
	cfg.LoginTimeout = 50 * time.Millisecond
	a := New(zaptest.NewLogger(t).Sugar(), cfg, nil)

	_, err := a.Enable(context.Background(), "")
	is.True(err != nil)
}

func TestAdapter_Dump(t *testing.T) {
	is := is.New(t)
	a := New(zaptest.NewLogger(t).Sugar(), fakeDevice(t), nil)

	out, err := a.Dump(context.Background())
	is.NoErr(err)
	is.True(strings.Contains(out, "Jan 1 boot\nJan 1 ready\n"))
	is.True(!strings.Contains(out, "root@spotty"))
	is.True(!a.IndependentChannels())
}

func TestAdapter_ProbeReady(t *testing.T) {
	is := is.New(t)
	cfg := fakeDevice(t)

	is.True(New(zaptest.NewLogger(t).Sugar(), cfg, nil).ProbeReady(context.Background(), time.Second))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<info><serialNumber>1234</serialNumber></info>`)
	}))
	defer srv.Close()

	p := probe.New(zaptest.NewLogger(t).Sugar(), srv.URL, probe.WithInterval(10*time.Millisecond))
	is.True(New(zaptest.NewLogger(t).Sugar(), cfg, p).ProbeReady(context.Background(), time.Second))
}

func TestAdapter_ProbeReadyUnreachable(t *testing.T) {
	is := is.New(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	is.NoErr(err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	a := New(zaptest.NewLogger(t).Sugar(), Config{
		Host:         "127.0.0.1",
		Port:         port,
		CLIPort:      port,
		PollInterval: 10 * time.Millisecond,
	}, nil)
	is.True(!a.ProbeReady(context.Background(), 50*time.Millisecond))
}

func TestAdapter_Markers(t *testing.T) {
	is := is.New(t)
	a := New(zaptest.NewLogger(t).Sugar(), Config{Host: "127.0.0.1"}, nil)

	d := capture.NewRebootDetector(a.RebootMarkers())
	is.True(d.Feed([]byte("init: The system is going down for reboot NOW!")))
	is.Equal(a.shellAddr(), "127.0.0.1:"+strconv.Itoa(DefaultConfig.Port))
	is.Equal(a.cliAddr(), "127.0.0.1:17000")
}

func TestAdapter_CaptureSession(t *testing.T) {
	is := is.New(t)
	a := New(zaptest.NewLogger(t).Sugar(), fakeDevice(t), nil)

	dir := t.TempDir()
	stamp := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	e := capture.New(zaptest.NewLogger(t).Sugar(), a,
		capture.WithOutputRoot(dir),
		capture.WithClock(func() time.Time { return stamp }),
		capture.WithStartTimeout(2*time.Second),
		capture.WithStopTimeout(time.Second),
		capture.WithJoinTimeout(time.Second),
	)
	defer e.Close()

	ok, err := e.Start("Boot", capture.WithTestClass("Smoke"))
	is.NoErr(err)
	is.True(ok)

	is.True(testutil.Eventually(2*time.Second, func() bool {
		return strings.Contains(e.Log(), "start 2024-01-02_03-04-05")
	}))
	is.NoErr(e.Stop())

	path := filepath.Join(dir, "Smoke", "Boot_2024-01-02_03-04-05.tar.gz")
	_, data, err := archive.ReadEntry(path)
	is.NoErr(err)
	is.True(strings.Contains(string(data), "Jan 1 app: hello"))
	is.True(strings.Contains(string(data), "start 2024-01-02_03-04-05"))
}

func TestAdapter_EnableTurnsOnRemoteServices(t *testing.T) {
	is := is.New(t)
	dev, cfg := newRebootingDevice(t, false)
	a := New(zaptest.NewLogger(t).Sugar(), cfg, nil)

	stream, err := a.Enable(context.Background(), "")
	is.NoErr(err)
	defer stream.Close()

	readUntil(t, stream, "Jan 1 app: after")
	is.Equal(dev.cliCommands(), 1)
}

func TestAdapter_Reconnect(t *testing.T) {
	is := is.New(t)
	dev, cfg := newRebootingDevice(t, false)
	a := New(zaptest.NewLogger(t).Sugar(), cfg, nil)

	stream, err := a.Reconnect(context.Background(), "app")
	is.NoErr(err)
	defer stream.Close()

	got := readUntil(t, stream, "Jan 1 app: after")
	is.True(strings.HasPrefix(got, "logread -f | grep app\n"))
	is.Equal(dev.cliCommands(), 1)
}

func TestAdapter_RebootReconnects(t *testing.T) {
	is := is.New(t)
	dev, cfg := newRebootingDevice(t, true)
	a := New(zaptest.NewLogger(t).Sugar(), cfg, nil)

	dir := t.TempDir()
	stamp := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	e := capture.New(zaptest.NewLogger(t).Sugar(), a,
		capture.WithOutputRoot(dir),
		capture.WithClock(func() time.Time { return stamp }),
		capture.WithStartTimeout(2*time.Second),
		capture.WithStopTimeout(time.Second),
		capture.WithJoinTimeout(time.Second),
		capture.WithRebootSettle(0),
		capture.WithReadyTimeout(2*time.Second),
		capture.WithReconnectPolicy(capture.Backoff{Attempts: 3, Initial: 10 * time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 2}),
	)
	defer e.Close()

	ok, err := e.Start("Reboot")
	is.NoErr(err)
	is.True(ok)
	is.True(testutil.Eventually(2*time.Second, func() bool {
		log := e.Log()
		return strings.Contains(log, "app: before") && strings.Contains(log, "start 2024-01-02_03-04-05")
	}))
	is.Equal(dev.cliCommands(), 0)

	close(dev.reboot)
	is.True(testutil.Eventually(3*time.Second, func() bool {
		return strings.Contains(e.Log(), "app: after")
	}))

	log := e.Log()
	is.True(strings.Index(log, "app: before") < strings.Index(log, RebootMarker))
	is.True(strings.Index(log, RebootMarker) < strings.Index(log, "app: after"))

	st := e.Stats()
	is.Equal(st.Reboots, int64(1))
	is.Equal(st.State, capture.StateStreaming)
	is.True(dev.cliCommands() >= 1)

	is.NoErr(e.Stop())
	_, data, err := archive.ReadEntry(filepath.Join(dir, capture.DefaultSessionDir, "Reboot_2024-01-02_03-04-05.tar.gz"))
	is.NoErr(err)
	is.Equal(strings.Count(string(data), "app: before"), 1)
	is.True(strings.Contains(string(data), "app: after"))
}
