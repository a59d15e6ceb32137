package adb

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture/archive"
	adbproto "github.com/Nishant-Joshi-Bose/Product-Docker-sub000/transport/adb"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/util/testutil"
	"github.com/matryer/is"
	"go.uber.org/zap/zaptest"
)

// fakeServer is an ADB server on the far end of net.Pipe connections. handle
// receives the service requested after the transport switch, or host:devices.
type fakeServer struct {
	mu       sync.Mutex
	services []string
	devices  string
	handle   func(service string, conn adbproto.RawConnection)
}

func (f *fakeServer) NewRawConnection(ctx context.Context) (adbproto.RawConnection, error) {
	server, client := net.Pipe()
	go f.serve(adbproto.NewConn(server))
	return adbproto.NewConn(client), nil
}

func (f *fakeServer) serve(conn adbproto.RawConnection) {
	defer conn.Close()

	first, err := conn.ReadHexPrefixedBlob()
	if err != nil || conn.WriteRaw([]byte("OKAY")) != nil {
		return
	}

	if string(first) == "host:devices" {
		f.mu.Lock()
		body := f.devices
		f.mu.Unlock()
		conn.WriteMessage([]byte(body))
		return
	}

	service, err := conn.ReadHexPrefixedBlob()
	if err != nil {
		return
	}

	f.mu.Lock()
	f.services = append(f.services, string(service))
	f.mu.Unlock()

	if conn.WriteRaw([]byte("OKAY")) == nil && f.handle != nil {
		f.handle(string(service), conn)
	}
}

func (f *fakeServer) setDevices(body string) {
	f.mu.Lock()
	f.devices = body
	f.mu.Unlock()
}

func (f *fakeServer) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.services...)
}

// waitClosed blocks until the client side goes away.
func waitClosed(conn adbproto.RawConnection) {
	buf := make([]byte, 1)
	for conn.ReadRaw(buf) == nil {
	}
}

func newTestAdapter(t *testing.T, server *fakeServer) *Adapter {
	log := zaptest.NewLogger(t).Sugar()
	client := adbproto.New(log, server, "")
	return New(log, client, WithPollInterval(5*time.Millisecond), WithDeviceInterval(5*time.Millisecond))
}

func TestAdapter_EnableStreamsOutput(t *testing.T) {
	is := is.New(t)
	server := &fakeServer{handle: func(service string, conn adbproto.RawConnection) {
		if service == "shell:logread -f | grep Ping" {
			conn.WriteRaw([]byte("Ping 1\n"))
		}
	}}
	a := newTestAdapter(t, server)

	stream, err := a.Enable(context.Background(), "Ping")
	is.NoErr(err)
	defer stream.Close()

	var got []byte
	var readErr error
	for i := 0; i < 100 && readErr == nil; i++ {
		var data []byte
		data, readErr = stream.Read(context.Background())
		got = append(got, data...)
	}

	is.Equal(string(got), "Ping 1\n")
	// The remote side closing ends the tail with an error.
	is.True(readErr != nil)
}

func TestAdapter_DisableRotatesLog(t *testing.T) {
	is := is.New(t)
	server := &fakeServer{handle: func(service string, conn adbproto.RawConnection) {
		if service == "shell:logread -f" {
			waitClosed(conn)
		}
	}}
	a := newTestAdapter(t, server)

	stream, err := a.Enable(context.Background(), "")
	is.NoErr(err)
	is.NoErr(a.Disable(context.Background(), stream))

	is.Equal(server.requested(), []string{"shell:logread -f", "shell:" + rotateCommand})
}

func TestAdapter_DeviceGone(t *testing.T) {
	is := is.New(t)
	server := &fakeServer{}
	a := newTestAdapter(t, server)

	is.True(a.DeviceGone(context.Background()))

	server.setDevices("0123456789\tdevice\n")
	is.True(!a.DeviceGone(context.Background()))
	is.True(a.ProbeReady(context.Background(), time.Second))
}

func TestAdapter_ProbeReadyTimeout(t *testing.T) {
	is := is.New(t)
	server := &fakeServer{devices: "0123456789\toffline\n"}
	a := newTestAdapter(t, server)

	is.True(!a.ProbeReady(context.Background(), 30*time.Millisecond))
}

func TestAdapter_Dump(t *testing.T) {
	is := is.New(t)
	server := &fakeServer{handle: func(service string, conn adbproto.RawConnection) {
		if service == "shell:logread" {
			conn.WriteRaw([]byte("Jan 1 boot\nJan 1 ready\n"))
		}
	}}
	a := newTestAdapter(t, server)

	out, err := a.Dump(context.Background())
	is.NoErr(err)
	is.Equal(out, "Jan 1 boot\nJan 1 ready\n")
	is.True(a.IndependentChannels())
}

func TestAdapter_Pull(t *testing.T) {
	is := is.New(t)

	entry := func(buf *bytes.Buffer, name string, mode uint32) {
		binary.Write(buf, binary.LittleEndian, uint32(adbproto.IdDentV2))
		binary.Write(buf, binary.LittleEndian, uint32(0))
		stat := make([]byte, adbproto.FileStatSize)
		binary.LittleEndian.PutUint32(stat[16:20], mode)
		buf.Write(stat)
		binary.Write(buf, binary.LittleEndian, uint32(len(name)))
		buf.WriteString(name)
	}

	server := &fakeServer{handle: func(service string, conn adbproto.RawConnection) {
		if service != "sync:" {
			return
		}

		header := make([]byte, 8)
		if conn.ReadRaw(header) != nil {
			return
		}
		id := binary.LittleEndian.Uint32(header[0:4])
		path := make([]byte, binary.LittleEndian.Uint32(header[4:8]))
		if conn.ReadRaw(path) != nil {
			return
		}

		var resp bytes.Buffer
		switch id {
		case adbproto.IdListV2:
			entry(&resp, "core.1", 0o100644)
			entry(&resp, "old", 0o040755)
			binary.Write(&resp, binary.LittleEndian, uint32(adbproto.IdDone))
			resp.Write(make([]byte, adbproto.FileStatSize+8))
		case adbproto.IdRecvV2:
			if conn.ReadRaw(make([]byte, 8)) != nil {
				return
			}
			content := "dump of " + string(path)
			binary.Write(&resp, binary.LittleEndian, uint32(adbproto.IdData))
			binary.Write(&resp, binary.LittleEndian, uint32(len(content)))
			resp.WriteString(content)
			binary.Write(&resp, binary.LittleEndian, uint32(adbproto.IdDone))
			binary.Write(&resp, binary.LittleEndian, uint32(0))
		}
		conn.WriteRaw(resp.Bytes())
	}}
	a := newTestAdapter(t, server)

	dir := t.TempDir()
	var seen []string
	pulled, err := a.Pull(context.Background(), DefaultPullDir, dir, func(entry adbproto.ListDirectoryEntry) {
		seen = append(seen, entry.Name)
	})
	is.NoErr(err)
	is.Equal(seen, []string{"core.1"})
	is.Equal(pulled, []string{filepath.Join(dir, "core.1")})

	data, err := os.ReadFile(pulled[0])
	is.NoErr(err)
	is.Equal(string(data), "dump of /mnt/nv/BoseLog/core.1")
}

func TestAdapter_CaptureSession(t *testing.T) {
	is := is.New(t)
	server := &fakeServer{handle: func(service string, conn adbproto.RawConnection) {
		if service == "shell:logread -f" {
			conn.WriteRaw([]byte("Jan 1 app: started\n"))
			waitClosed(conn)
		}
	}}
	a := newTestAdapter(t, server)

	dir := t.TempDir()
	e := capture.New(zaptest.NewLogger(t).Sugar(), a,
		capture.WithOutputRoot(dir),
		capture.WithStartTimeout(time.Second),
		capture.WithStopTimeout(time.Second),
		capture.WithJoinTimeout(time.Second),
	)
	defer e.Close()

	ok, err := e.Start("Boot")
	is.NoErr(err)
	is.True(ok)

	is.True(testutil.Eventually(2*time.Second, func() bool {
		return strings.Contains(e.Log(), "app: started")
	}))
	is.NoErr(e.Stop())

	matches, err := filepath.Glob(filepath.Join(dir, capture.DefaultSessionDir, "Boot_*.tar.gz"))
	is.NoErr(err)
	is.Equal(len(matches), 1)

	_, data, err := archive.ReadEntry(matches[0])
	is.NoErr(err)
	is.Equal(string(data), "Jan 1 app: started\n")
}
