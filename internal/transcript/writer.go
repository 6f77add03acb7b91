// Package transcript appends session lifecycle events to per-session NDJSON
// files, one directory per user.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nitin4real/llm/internal/notify"
)

const defaultQueueSize = 1000

// Config controls transcript logging.
type Config struct {
	Dir       string
	QueueSize int
}

// Entry is one NDJSON line.
type Entry struct {
	Timestamp      time.Time      `json:"ts"`
	Event          string         `json:"event"`
	UserID         int64          `json:"user_id"`
	AgentID        string         `json:"agent_id,omitempty"`
	Channel        string         `json:"channel,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	InitialSeconds float64        `json:"initial_seconds,omitempty"`
	FinalSeconds   *float64       `json:"final_seconds,omitempty"`
	Settings       map[string]any `json:"settings,omitempty"`
}

// Writer is a notify.Observer that queues entries and writes them from a
// single goroutine so Notify never blocks on disk.
type Writer struct {
	dir     string
	queue   chan Entry
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// New creates the transcript directory and starts the writer goroutine.
func New(cfg Config) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("transcript directory is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	w := &Writer{dir: cfg.Dir, queue: make(chan Entry, cfg.QueueSize)}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Notify queues ev. A full queue drops the entry.
func (w *Writer) Notify(_ context.Context, ev notify.Event) error {
	e := Entry{
		Timestamp: ev.At,
		Event:     string(ev.Kind),
		UserID:    ev.UserID,
		AgentID:   ev.AgentID,
		Channel:   ev.ChannelName,
		Reason:    ev.Reason,
		Settings:  ev.Settings,
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if ev.Kind == notify.SessionEnded {
		final := ev.FinalSeconds
		e.InitialSeconds = ev.InitialSeconds
		e.FinalSeconds = &final
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil
	}
	select {
	case w.queue <- e:
	default:
		n := w.dropped.Add(1)
		slog.Warn("Transcript queue full, dropping entry", "user_id", ev.UserID, "event", ev.Kind, "dropped_total", n)
	}
	return nil
}

// Dropped returns how many entries were discarded because the queue was full.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close flushes queued entries and stops the writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	w.wg.Wait()
	return nil
}

// Path returns the file entries for userID and channel are appended to.
func (w *Writer) Path(userID int64, channel string) string {
	name := sanitize(channel)
	if name == "" {
		name = "unbound"
	}
	return filepath.Join(w.dir, strconv.FormatInt(userID, 10), name+".ndjson")
}

func (w *Writer) run() {
	defer w.wg.Done()
	for e := range w.queue {
		if err := w.append(e); err != nil {
			slog.Error("Failed to write transcript entry", "user_id", e.UserID, "channel", e.Channel, "error", err)
		}
	}
}

func (w *Writer) append(e Entry) error {
	path := w.Path(e.UserID, e.Channel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// sanitize keeps channel names safe to use as file names.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return -1
		}
	}, s)
}
