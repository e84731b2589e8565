// Package walcodec implements the length-delimited, Commit-delimited record
// stream shared by the memtable log and the manifest log (spec §4.A).
//
// Wire format per physical record:
//
//	[ length u32 LE ][ type u8 ][ payload (length-1 bytes) ][ crc32 u32 LE ]
//
// length counts the type byte plus the payload. crc32 (IEEE, little-endian)
// covers the type byte and the payload, mirroring the teacher's own WAL
// checksum discipline in lsm/wal.go. Records arrive in groups terminated by
// a Commit record; a Commit carries no payload.
package walcodec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// RecordType tags a physical record as a staged action or a group terminator.
type RecordType uint8

const (
	RecordData   RecordType = 0
	RecordCommit RecordType = 1
)

const headerSize = 4 // length u32 LE
const trailerSize = 4 // crc32 u32 LE

// EncodeRecord returns the on-disk bytes for a single physical record.
func EncodeRecord(rt RecordType, payload []byte) []byte {
	body := make([]byte, 1+len(payload))
	body[0] = byte(rt)
	copy(body[1:], payload)

	buf := make([]byte, headerSize+len(body)+trailerSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(body)))
	copy(buf[headerSize:], body)
	crc := crc32.ChecksumIEEE(body)
	binary.LittleEndian.PutUint32(buf[headerSize+len(body):], crc)
	return buf
}

// EncodeBatch concatenates one Data record per payload followed by a single
// Commit record, ready for a single Write syscall.
func EncodeBatch(payloads [][]byte) []byte {
	var out []byte
	for _, p := range payloads {
		out = append(out, EncodeRecord(RecordData, p)...)
	}
	out = append(out, EncodeRecord(RecordCommit, nil)...)
	return out
}

// Writer owns one append-mode handle to a log file.
type Writer struct {
	file *os.File
	path string
}

// OpenWriter opens (creating if necessary) an append-only log file.
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("walcodec: open %s: %w", path, err)
	}
	return &Writer{file: f, path: path}, nil
}

// WriteBatch writes the encoded batch in one syscall. It does not fsync;
// call Sync for durability.
func (w *Writer) WriteBatch(payloads [][]byte) error {
	if _, err := w.file.Write(EncodeBatch(payloads)); err != nil {
		return fmt.Errorf("walcodec: write batch to %s: %w", w.path, err)
	}
	return nil
}

// Sync fsyncs the log file. A batch is durable only after this returns nil.
func (w *Writer) Sync() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("walcodec: sync %s: %w", w.path, err)
	}
	return nil
}

// Size returns the current length of the log file.
func (w *Writer) Size() (int64, error) {
	info, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("walcodec: stat %s: %w", w.path, err)
	}
	return info.Size(), nil
}

// Truncate resets the log file to zero length without closing it.
func (w *Writer) Truncate() error {
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("walcodec: truncate %s: %w", w.path, err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("walcodec: seek %s: %w", w.path, err)
	}
	return nil
}

// Close closes the underlying file handle.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// Remove closes and deletes the log file.
func (w *Writer) Remove() error {
	w.Close()
	return os.Remove(w.path)
}

// Recover replays path under the discard-incomplete-group rule: a decoder
// scans forward, buffering Data payloads into a pending group; on Commit the
// group is handed to apply atomically; on decode failure or EOF mid-group
// the pending group is discarded and the file is truncated to the last byte
// belonging to a completed group. A missing file is treated as empty.
func Recover(path string, apply func(group [][]byte) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("walcodec: read %s: %w", path, err)
	}

	var pending [][]byte
	var cursor int
	lastGood := 0

	for {
		if cursor+headerSize > len(data) {
			break
		}
		length := binary.LittleEndian.Uint32(data[cursor:])
		bodyStart := cursor + headerSize
		bodyEnd := bodyStart + int(length)
		crcEnd := bodyEnd + trailerSize
		if length == 0 || bodyEnd > len(data) || crcEnd > len(data) {
			break
		}

		body := data[bodyStart:bodyEnd]
		wantCRC := binary.LittleEndian.Uint32(data[bodyEnd:crcEnd])
		if crc32.ChecksumIEEE(body) != wantCRC {
			break
		}

		rt := RecordType(body[0])
		payload := body[1:]

		switch rt {
		case RecordData:
			cp := make([]byte, len(payload))
			copy(cp, payload)
			pending = append(pending, cp)
		case RecordCommit:
			if err := apply(pending); err != nil {
				return err
			}
			pending = nil
			lastGood = crcEnd
		default:
			// Unknown record type: treat the same as corruption.
			cursor = crcEnd
			goto truncate
		}

		cursor = crcEnd
	}

truncate:
	if lastGood != len(data) {
		if err := os.Truncate(path, int64(lastGood)); err != nil {
			return fmt.Errorf("walcodec: truncate %s: %w", path, err)
		}
	}
	return nil
}
