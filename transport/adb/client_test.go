package adb

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/matryer/is"
	"go.uber.org/zap"
)

// pipeFactory hands out net.Pipe connections whose far end is driven by serve.
type pipeFactory struct {
	serve func(conn *networkRawConn)
}

func (f *pipeFactory) NewRawConnection(ctx context.Context) (RawConnection, error) {
	server, client := net.Pipe()
	go func() {
		defer server.Close()
		f.serve(newNetworkRawConn(server))
	}()
	return newNetworkRawConn(client), nil
}

func expectCommand(conn *networkRawConn, want string) bool {
	data, err := conn.ReadHexPrefixedBlob()
	if err != nil || string(data) != want {
		conn.WriteRaw([]byte("FAIL"))
		conn.WriteMessage([]byte("unexpected " + string(data)))
		return false
	}

	return conn.WriteRaw([]byte("OKAY")) == nil
}

func TestParseDevices(t *testing.T) {
	is := is.New(t)

	devices := ParseDevices("emulator-5554\tdevice\r\n0123456789\tunauthorized\n\nbroken\n")
	is.Equal(len(devices), 2)
	is.Equal(devices[0], Device{Serial: "emulator-5554", State: "device"})
	is.Equal(devices[1], Device{Serial: "0123456789", State: "unauthorized"})
}

func TestClient_Devices(t *testing.T) {
	is := is.New(t)

	factory := &pipeFactory{serve: func(conn *networkRawConn) {
		if expectCommand(conn, "host:devices") {
			conn.WriteMessage([]byte("serial-a\tdevice\nserial-b\toffline\n"))
		}
	}}

	c := New(zap.NewNop().Sugar(), factory, "serial-b")
	devices, err := c.Devices(context.Background())
	is.NoErr(err)
	is.Equal(len(devices), 2)

	// serial-b is listed but not in the device state.
	ok, err := c.Attached(context.Background())
	is.NoErr(err)
	is.True(!ok)

	ok, err = New(zap.NewNop().Sugar(), factory, "serial-a").Attached(context.Background())
	is.NoErr(err)
	is.True(ok)
}

func TestClient_WaitForDeviceTimeout(t *testing.T) {
	is := is.New(t)

	factory := &pipeFactory{serve: func(conn *networkRawConn) {
		if expectCommand(conn, "host:devices") {
			conn.WriteMessage(nil)
		}
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := New(zap.NewNop().Sugar(), factory, "").WaitForDevice(ctx, 10*time.Millisecond)
	is.Equal(err, ErrNoDevice)
}

func TestClient_Run(t *testing.T) {
	is := is.New(t)

	factory := &pipeFactory{serve: func(conn *networkRawConn) {
		if !expectCommand(conn, "host:transport:abc") {
			return
		}
		if !expectCommand(conn, "shell:ls /mnt/nv/BoseLog") {
			return
		}
		conn.WriteRaw([]byte("core.1\ncore.2\n"))
	}}

	out, err := New(zap.NewNop().Sugar(), factory, "abc").Run(context.Background(), "ls /mnt/nv/BoseLog")
	is.NoErr(err)
	is.Equal(string(out), "core.1\ncore.2\n")
}

func TestClient_ShellFailure(t *testing.T) {
	is := is.New(t)

	factory := &pipeFactory{serve: func(conn *networkRawConn) {
		if !expectCommand(conn, "host:transport-any") {
			return
		}
		expectCommand(conn, "shell:other")
	}}

	_, err := New(zap.NewNop().Sugar(), factory, "").Shell(context.Background(), "logread -f")
	is.True(err != nil)
}

func TestClient_PullFile(t *testing.T) {
	is := is.New(t)

	factory := &pipeFactory{serve: func(conn *networkRawConn) {
		if !expectCommand(conn, "host:transport-any") || !expectCommand(conn, "sync:") {
			return
		}

		path := "/mnt/nv/BoseLog/core.1"
		req := make([]byte, 16+len(path))
		if conn.ReadRaw(req) != nil {
			return
		}

		var resp bytes.Buffer
		for _, chunk := range []string{"hello ", "world"} {
			binary.Write(&resp, binary.LittleEndian, uint32(IdData))
			binary.Write(&resp, binary.LittleEndian, uint32(len(chunk)))
			resp.WriteString(chunk)
		}
		binary.Write(&resp, binary.LittleEndian, uint32(IdDone))
		binary.Write(&resp, binary.LittleEndian, uint32(0))
		conn.WriteRaw(resp.Bytes())
	}}

	var out bytes.Buffer
	n, err := New(zap.NewNop().Sugar(), factory, "").PullFile(context.Background(), "/mnt/nv/BoseLog/core.1", &out)
	is.NoErr(err)
	is.Equal(n, int64(11))
	is.Equal(out.String(), "hello world")
}

func TestClient_ListDirectory(t *testing.T) {
	is := is.New(t)

	entry := func(buf *bytes.Buffer, name string, mode uint32) {
		binary.Write(buf, binary.LittleEndian, uint32(IdDentV2))
		binary.Write(buf, binary.LittleEndian, uint32(0))
		stat := make([]byte, FileStatSize)
		binary.LittleEndian.PutUint32(stat[16:20], mode)
		binary.LittleEndian.PutUint64(stat[32:40], 42)
		buf.Write(stat)
		binary.Write(buf, binary.LittleEndian, uint32(len(name)))
		buf.WriteString(name)
	}

	factory := &pipeFactory{serve: func(conn *networkRawConn) {
		if !expectCommand(conn, "host:transport-any") || !expectCommand(conn, "sync:") {
			return
		}

		path := "/mnt/nv/BoseLog"
		req := make([]byte, 8+len(path))
		if conn.ReadRaw(req) != nil {
			return
		}

		var resp bytes.Buffer
		entry(&resp, ".", modeDir)
		entry(&resp, "..", modeDir)
		entry(&resp, "core.1", modeRegular|0o644)
		binary.Write(&resp, binary.LittleEndian, uint32(IdDone))
		resp.Write(make([]byte, FileStatSize+8))
		conn.WriteRaw(resp.Bytes())
	}}

	entries, err := New(zap.NewNop().Sugar(), factory, "").ListDirectory(context.Background(), "/mnt/nv/BoseLog")
	is.NoErr(err)
	is.Equal(len(entries), 1)
	is.Equal(entries[0].Name, "core.1")
	is.True(entries[0].Stat.IsRegular())
	is.Equal(entries[0].Stat.Size, uint64(42))
}
