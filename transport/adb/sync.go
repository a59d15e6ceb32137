package adb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const MaxData = 64 * 1024

const IdListV2 = 'L' | ('I' << 8) | ('S' << 16) | ('2' << 24)
const IdDentV2 = 'D' | ('N' << 8) | ('T' << 16) | ('2' << 24)
const IdDone = 'D' | ('O' << 8) | ('N' << 16) | ('E' << 24)

const IdRecvV2 = 'R' | ('C' << 8) | ('V' << 16) | ('2' << 24)
const IdFail = 'F' | ('A' << 8) | ('I' << 16) | ('L' << 24)
const IdData = 'D' | ('A' << 8) | ('T' << 16) | ('A' << 24)

const FileStatSize = 4 * 16

const modeTypeMask = 0o170000
const modeDir = 0o040000
const modeRegular = 0o100000

type FileStat struct {
	Dev   uint64
	INo   uint64
	Mode  uint32
	NLink uint32
	UId   uint32
	GId   uint32
	Size  uint64
	ATime int64
	MTime int64
	CTime int64
}

func (s FileStat) IsDir() bool {
	return s.Mode&modeTypeMask == modeDir
}

func (s FileStat) IsRegular() bool {
	return s.Mode&modeTypeMask == modeRegular
}

func parseFileStat(data []byte) FileStat {
	return FileStat{
		Dev:   binary.LittleEndian.Uint64(data[0:8]),
		INo:   binary.LittleEndian.Uint64(data[8:16]),
		Mode:  binary.LittleEndian.Uint32(data[16:20]),
		NLink: binary.LittleEndian.Uint32(data[20:24]),
		UId:   binary.LittleEndian.Uint32(data[24:28]),
		GId:   binary.LittleEndian.Uint32(data[28:32]),
		Size:  binary.LittleEndian.Uint64(data[32:40]),
		ATime: int64(binary.LittleEndian.Uint64(data[40:48])),
		MTime: int64(binary.LittleEndian.Uint64(data[48:56])),
		CTime: int64(binary.LittleEndian.Uint64(data[56:64])),
	}
}

type ListDirectoryEntry struct {
	Name      string
	StatError uint32
	Stat      FileStat
}

func (c *Client) openSync(ctx context.Context) (RawConnection, error) {
	conn, err := c.OpenDevice(ctx)
	if err != nil {
		return nil, err
	}

	err = conn.SendCommand([]byte("sync:"))
	if err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

func syncRequest(id uint32, path string) []byte {
	packet := make([]byte, 8+len(path))
	binary.LittleEndian.PutUint32(packet[0:4], id)
	binary.LittleEndian.PutUint32(packet[4:8], uint32(len(path)))
	copy(packet[8:], path)
	return packet
}

// ListDirectory lists a remote directory, skipping the "." and ".." entries.
func (c *Client) ListDirectory(ctx context.Context, path string) ([]ListDirectoryEntry, error) {
	conn, err := c.openSync(ctx)
	if err != nil {
		return nil, err
	}

	defer conn.Close()

	stop := closeOnDone(ctx, conn)
	defer stop()

	err = conn.WriteRaw(syncRequest(IdListV2, path))
	if err != nil {
		return nil, err
	}

	return readDirectoryEntries(conn)
}

func readDirectoryEntries(conn RawConnection) ([]ListDirectoryEntry, error) {
	var entries []ListDirectoryEntry

	for {
		respPacket := make([]byte, FileStatSize+12)
		err := conn.ReadRaw(respPacket)
		if err != nil {
			return nil, err
		}

		id := binary.LittleEndian.Uint32(respPacket[0:4])
		statErr := binary.LittleEndian.Uint32(respPacket[4:8])
		if id == IdDone {
			break
		} else if id != IdDentV2 {
			return nil, errors.New("unexpected response id")
		}

		fs := parseFileStat(respPacket[8 : 8+FileStatSize])

		nameLen := binary.LittleEndian.Uint32(respPacket[8+FileStatSize : 12+FileStatSize])
		name := make([]byte, nameLen)
		err = conn.ReadRaw(name)
		if err != nil {
			return nil, err
		}

		if string(name) == "." || string(name) == ".." {
			continue
		}

		entries = append(entries, ListDirectoryEntry{
			Name:      string(name),
			StatError: statErr,
			Stat:      fs,
		})
	}

	return entries, nil
}

// PullFile copies the remote file at path into w and returns the number of bytes written.
func (c *Client) PullFile(ctx context.Context, path string, w io.Writer) (int64, error) {
	conn, err := c.openSync(ctx)
	if err != nil {
		return 0, err
	}

	defer conn.Close()

	stop := closeOnDone(ctx, conn)
	defer stop()

	// Request file
	packet := make([]byte, 16+len(path))
	binary.LittleEndian.PutUint32(packet[0:4], uint32(IdRecvV2))
	binary.LittleEndian.PutUint32(packet[4:8], uint32(len(path)))
	pos := len(path) + 8
	copy(packet[8:pos], path)
	binary.LittleEndian.PutUint32(packet[pos:pos+4], uint32(IdRecvV2))
	binary.LittleEndian.PutUint32(packet[pos+4:pos+8], uint32(0))

	err = conn.WriteRaw(packet)
	if err != nil {
		return 0, err
	}

	return readFileData(conn, w)
}

func readFileData(conn RawConnection, w io.Writer) (int64, error) {
	var total int64

	for {
		respPacket := make([]byte, 8)
		err := conn.ReadRaw(respPacket)
		if err != nil {
			return total, err
		}

		id := binary.LittleEndian.Uint32(respPacket[0:4])
		length := binary.LittleEndian.Uint32(respPacket[4:8])

		switch id {
		case IdDone:
			return total, nil
		case IdData, IdFail:
			if length > MaxData {
				return total, fmt.Errorf("sync packet of %d bytes exceeds max", length)
			}

			blob := make([]byte, length)
			err = conn.ReadRaw(blob)
			if err != nil {
				return total, err
			}

			if id == IdFail {
				return total, errors.New(string(blob))
			}

			n, err := w.Write(blob)
			total += int64(n)
			if err != nil {
				return total, err
			}
		default:
			return total, errors.New("unexpected resp id")
		}
	}
}
