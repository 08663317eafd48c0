// Package commandlog keeps the committed command stream as JSON-lines
// segments so that it can be replayed on another database.
package commandlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/document-node/internal/commands"
	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/metrics"
)

const (
	segmentPrefix = "commands-"
	segmentSuffix = ".log"
)

// Config holds command log configuration
type Config struct {
	Dir         string
	SegmentSize int64
	SyncWrites  bool
}

// Entry is one recorded command
type Entry struct {
	Sequence  int64           `json:"seq"`
	Batch     uint64          `json:"batch"`
	Timestamp time.Time       `json:"ts"`
	Type      commands.Type   `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Checksum  uint32          `json:"checksum"`
}

// Command decodes the entry's command
func (e *Entry) Command() (commands.Command, error) {
	return commands.Decode(commands.Envelope{Type: e.Type, Payload: e.Payload})
}

// Log appends committed batches to the current segment
type Log struct {
	config  *Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	current     *os.File
	currentSize int64
	segments    int
	lastSeq     int64
	closed      bool
}

// Open opens the log in cfg.Dir and recovers the last sequence number. A torn
// final line left by a crash is cut off.
func Open(cfg *Config, logger *zap.Logger, m *metrics.Metrics) (*Log, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 64 << 20
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create command log directory: %w", err)
	}

	l := &Log{config: cfg, logger: logger, metrics: m}

	segments, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	l.segments = len(segments)
	if len(segments) > 0 {
		last := segments[len(segments)-1]
		seq, size, err := recoverTail(last)
		if err != nil {
			return nil, err
		}
		l.lastSeq = seq
		if l.lastSeq == 0 {
			// an empty tail segment is named after the sequence it expected
			first, _ := segmentFirstSequence(last)
			l.lastSeq = first - 1
		}
		if size < cfg.SegmentSize {
			f, err := os.OpenFile(last, os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				return nil, fmt.Errorf("failed to open command log segment: %w", err)
			}
			l.current, l.currentSize = f, size
		}
	}
	if m != nil {
		m.UpdateCommandLogSegments(l.segments)
	}

	logger.Info("Command log opened",
		zap.String("dir", cfg.Dir),
		zap.Int("segments", l.segments),
		zap.Int64("last_sequence", l.lastSeq))
	return l, nil
}

// LastSequence returns the sequence of the last recorded entry
func (l *Log) LastSequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Record appends the commands of one committed batch. The whole batch lands
// in one segment.
func (l *Log) Record(batch uint64, cmds []commands.Command) error {
	start := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return storeerrors.CommandLogFailed("command log is closed", nil)
	}

	var buf bytes.Buffer
	seq := l.lastSeq
	for _, cmd := range cmds {
		env, err := commands.Encode(cmd)
		if err != nil {
			return storeerrors.CommandLogFailed("failed to encode command", err)
		}
		seq++
		e := Entry{
			Sequence:  seq,
			Batch:     batch,
			Timestamp: commands.Time(cmd),
			Type:      env.Type,
			Payload:   env.Payload,
		}
		e.Checksum = checksum(&e)
		line, err := json.Marshal(&e)
		if err != nil {
			return storeerrors.CommandLogFailed("failed to encode entry", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if l.current == nil {
		if err := l.openSegment(l.lastSeq + 1); err != nil {
			return err
		}
	}

	n, err := l.current.Write(buf.Bytes())
	l.currentSize += int64(n)
	if err != nil {
		return storeerrors.CommandLogFailed("failed to write to command log", err)
	}
	if l.config.SyncWrites {
		if err := l.current.Sync(); err != nil {
			return storeerrors.CommandLogFailed("failed to sync command log", err)
		}
	}
	l.lastSeq = seq

	if l.currentSize >= l.config.SegmentSize {
		l.logger.Info("Rotating command log due to size",
			zap.Int64("size", l.currentSize),
			zap.Int64("threshold", l.config.SegmentSize))
		if err := l.current.Close(); err != nil {
			l.logger.Warn("Failed to close command log segment", zap.Error(err))
		}
		l.current, l.currentSize = nil, 0
	}

	if l.metrics != nil {
		l.metrics.RecordCommandLogAppend(time.Since(start).Seconds(), seq)
	}
	return nil
}

// openSegment creates the segment whose first entry is firstSeq
func (l *Log) openSegment(firstSeq int64) error {
	path := filepath.Join(l.config.Dir, segmentName(firstSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return storeerrors.CommandLogFailed("failed to open command log segment", err)
	}
	l.current, l.currentSize = f, 0
	l.segments++
	if l.metrics != nil {
		l.metrics.UpdateCommandLogSegments(l.segments)
	}
	l.logger.Info("Opened new command log segment", zap.String("path", path))
	return nil
}

// Close closes the current segment
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.current != nil {
		return l.current.Close()
	}
	return nil
}

// Replay streams every entry with a sequence greater than after, in order.
// A checksum mismatch stops the replay with a corruption error; a torn final
// line in the last segment ends it cleanly.
func Replay(ctx context.Context, dir string, after int64, fn func(e *Entry) error) error {
	segments, err := listSegments(dir)
	if err != nil {
		return err
	}

	expected := int64(0)
	for i, path := range segments {
		tail := i == len(segments)-1
		err := readSegment(path, tail, func(e *Entry) error {
			if err := ctx.Err(); err != nil {
				return storeerrors.OperationCancelled("replay command log", err)
			}
			if expected != 0 && e.Sequence != expected {
				return storeerrors.CorruptedData(fmt.Sprintf("command log gap: expected sequence %d, found %d", expected, e.Sequence), nil)
			}
			expected = e.Sequence + 1
			if e.Sequence <= after {
				return nil
			}
			return fn(e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func readSegment(path string, tail bool, fn func(e *Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open command log segment: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) > 0 && !tail {
				return storeerrors.CorruptedData(fmt.Sprintf("truncated entry in %s", filepath.Base(path)), nil)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read command log segment: %w", err)
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return storeerrors.CorruptedData(fmt.Sprintf("undecodable entry in %s", filepath.Base(path)), err)
		}
		if !validChecksum(&e) {
			return storeerrors.CorruptedData(fmt.Sprintf("checksum mismatch at sequence %d", e.Sequence), nil).
				WithDetail("segment", filepath.Base(path))
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
}

// recoverTail returns the last sequence in a segment and its length after
// cutting any partial final line
func recoverTail(path string) (int64, int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open command log segment: %w", err)
	}
	defer f.Close()

	var lastSeq, offset int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read command log segment: %w", err)
		}
		var e Entry
		if json.Unmarshal(line, &e) != nil || !validChecksum(&e) {
			if _, perr := r.Peek(1); perr == nil {
				return 0, 0, storeerrors.CorruptedData(fmt.Sprintf("damaged entry after sequence %d", lastSeq), nil).
					WithDetail("segment", filepath.Base(path))
			}
			break
		}
		lastSeq = e.Sequence
		offset += int64(len(line))
	}

	info, err := f.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to stat command log segment: %w", err)
	}
	if info.Size() > offset {
		if err := f.Truncate(offset); err != nil {
			return 0, 0, fmt.Errorf("failed to truncate command log segment: %w", err)
		}
	}
	return lastSeq, offset, nil
}

func segmentName(firstSeq int64) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, firstSeq, segmentSuffix)
}

func segmentFirstSequence(path string) (int64, error) {
	name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), segmentPrefix), segmentSuffix)
	return strconv.ParseInt(name, 10, 64)
}

// listSegments returns the segments of dir ordered by first sequence
func listSegments(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list command log segments: %w", err)
	}
	sort.Slice(files, func(i, j int) bool {
		a, _ := segmentFirstSequence(files[i])
		b, _ := segmentFirstSequence(files[j])
		return a < b
	})
	return files, nil
}
