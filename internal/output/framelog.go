package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"spectracam/internal/compression"
	"spectracam/internal/frame"
	"spectracam/internal/wire"
)

const frameLogMagic = "SPCFRM01"

var (
	ErrLogClosed = errors.New("frame log is closed")
	ErrBadMagic  = errors.New("not a frame log")
)

// FrameLog appends records of the form
//
//	[8]byte unix nanos LE | [4]byte length LE | CBOR frame message
//
// after an 8-byte magic. Pixels are zstd compressed inside the message.
type FrameLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
	seq  uint64
}

// NewFrameLog creates <dir>/<timestamp>_<prefix>.bin.
func NewFrameLog(dir string, prefix string) (*FrameLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(dir, fmt.Sprintf("%s_%s.bin", timestamp, prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(frameLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &FrameLog{path: filename, f: f, w: w}, nil
}

func (l *FrameLog) Path() string { return l.path }

// Record appends an already encoded message.
func (l *FrameLog) Record(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLocked(time.Now(), payload)
}

// RecordFrame encodes f and appends it with the next sequence number.
func (l *FrameLog) RecordFrame(f *frame.Frame) error {
	if f == nil || f.Released() {
		return frame.ErrReleased
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return ErrLogClosed
	}
	payload, err := wire.EncodeFrame(l.seq, now, f.Width(), f.Height(), f.Stride(), f.Bytes(), compression.Zstd)
	if err != nil {
		return err
	}
	l.seq++
	return l.writeLocked(now, payload)
}

func (l *FrameLog) writeLocked(ts time.Time, payload []byte) error {
	if l.w == nil {
		return ErrLogClosed
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(ts.UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := l.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := l.w.Write(payload); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *FrameLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return nil
	}
	if err := l.w.Flush(); err != nil {
		_ = l.f.Close()
		l.w = nil
		return err
	}
	err := l.f.Close()
	l.w = nil
	return err
}

// LogRecord is one entry read back from a frame log.
type LogRecord struct {
	Time    time.Time
	Payload []byte
}

type FrameLogReader struct {
	r *bufio.Reader
}

func NewFrameLogReader(r io.Reader) (*FrameLogReader, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(frameLogMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != frameLogMagic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, magic)
	}
	return &FrameLogReader{r: br}, nil
}

// Next returns io.EOF after the last complete record.
func (fr *FrameLogReader) Next() (LogRecord, error) {
	var header [12]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return LogRecord{}, fmt.Errorf("truncated record header: %w", err)
		}
		return LogRecord{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(header[:8]))
	size := binary.LittleEndian.Uint32(header[8:12])
	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return LogRecord{}, fmt.Errorf("truncated record payload: %w", err)
	}
	return LogRecord{Time: time.Unix(0, ts), Payload: payload}, nil
}
