package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ippoc-labs/ippoc/pkg/archive"
)

// DefaultMaxBytes is the segment size that triggers rotation when an
// archive sink is attached.
const DefaultMaxBytes = 8 << 20

// Logger appends chained entries to a JSONL file. One logger owns the file;
// all writers go through Record.
type Logger struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	seq     uint64
	head    string
	size    int64
	key     []byte
	sink    archive.Store
	maxSize int64
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithSecret enables keyed hashing. An empty secret leaves the chain plain.
func WithSecret(secret string) Option {
	return func(l *Logger) {
		key, err := DeriveKey(secret)
		if err == nil {
			l.key = key
		}
	}
}

// WithArchive rotates full segments into sink. maxBytes <= 0 uses
// DefaultMaxBytes.
func WithArchive(sink archive.Store, maxBytes int64) Option {
	return func(l *Logger) {
		l.sink = sink
		if maxBytes > 0 {
			l.maxSize = maxBytes
		}
	}
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger opens (or creates) the log at path and recovers the chain
// position from its last line.
func NewLogger(path string, logger *slog.Logger, opts ...Option) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		path:    path,
		head:    GenesisHash,
		maxSize: DefaultMaxBytes,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.recover(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	l.file = f

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("audit: stat log: %w", err)
	}
	l.size = info.Size()
	return l, nil
}

// recover reads the existing log to find the last sequence and chain head.
func (l *Logger) recover() error {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: open for recovery: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return fmt.Errorf("audit: log is corrupt at seq %d: %w", l.seq+1, err)
		}
		l.seq = e.Sequence
		l.head = e.EntryHash
	}
	return nil
}

// Record appends one entry and returns it sealed. The entry is durable
// before return.
func (l *Logger) Record(typ EventType, actor, action string, metadata map[string]interface{}) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := newEntry(l.seq+1, l.now().UTC(), typ, actor, action, metadata, l.head)
	if err := e.seal(l.key); err != nil {
		return nil, err
	}

	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("audit: encode entry: %w", err)
	}
	line = append(line, '\n')

	n, err := l.file.Write(line)
	if err != nil {
		return nil, fmt.Errorf("audit: append entry: %w", err)
	}

	l.seq = e.Sequence
	l.head = e.EntryHash
	l.size += int64(n)

	if l.sink != nil && l.size >= l.maxSize {
		l.rotateLocked()
	}
	return e, nil
}

// rotateLocked ships the current segment to the archive and truncates the
// file. The chain continues: the next entry links to the archived head, so
// segments verify end to end when replayed in order. Archive failures leave
// the segment in place.
func (l *Logger) rotateLocked() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		l.logger.Error("audit rotation read failed", slog.Any("error", err))
		return
	}

	ref, err := l.sink.Put(context.Background(), data)
	if err != nil {
		l.logger.Error("audit rotation archive failed", slog.Any("error", err))
		return
	}

	if err := l.file.Truncate(0); err != nil {
		l.logger.Error("audit rotation truncate failed", slog.Any("error", err))
		return
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		l.logger.Error("audit rotation seek failed", slog.Any("error", err))
		return
	}
	l.size = 0

	l.logger.Info("audit segment archived",
		slog.String("ref", ref),
		slog.Uint64("through_seq", l.seq),
	)
}

// Head returns the current chain head hash.
func (l *Logger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// VerifyFile walks the live segment and reports the first break, if any.
func (l *Logger) VerifyFile() (Report, error) {
	l.mu.Lock()
	path := l.path
	key := l.key
	l.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("audit: open for verify: %w", err)
	}
	defer f.Close()

	return Verify(f, key)
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
