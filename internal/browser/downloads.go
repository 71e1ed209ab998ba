package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
)

// DownloadEvent records one completed download.
type DownloadEvent struct {
	Name        string    `json:"name"`
	CompletedAt time.Time `json:"completedAt"`
}

// downloadLog is an append-only record of completed downloads, fed by
// browser events and polled by waiters.
type downloadLog struct {
	mu      sync.Mutex
	pending map[string]string // guid -> suggested filename
	events  []DownloadEvent
}

func newDownloadLog() *downloadLog {
	return &downloadLog{pending: make(map[string]string)}
}

func (l *downloadLog) begin(guid, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[guid] = name
}

func (l *downloadLog) complete(guid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	name, ok := l.pending[guid]
	if !ok {
		return
	}
	delete(l.pending, guid)
	l.events = append(l.events, DownloadEvent{Name: name, CompletedAt: time.Now().UTC()})
}

func (l *downloadLog) all() []DownloadEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DownloadEvent, len(l.events))
	copy(out, l.events)
	return out
}

func (l *downloadLog) match(pattern string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if strings.Contains(e.Name, pattern) {
			return true
		}
	}
	return false
}

// Wait polls until a completed download name contains pattern or the
// context expires.
func (l *downloadLog) Wait(ctx context.Context, pattern string) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if l.match(pattern) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Downloads returns the completed download events so far.
func (s *Session) Downloads() []DownloadEvent {
	return s.downloads.all()
}

// enableDownloads points Chrome at the download directory and subscribes
// to download lifecycle events.
func (s *Session) enableDownloads() error {
	if s.cfg.DownloadDir == "" {
		return nil
	}

	err := proto.BrowserSetDownloadBehavior{
		Behavior:      proto.BrowserSetDownloadBehaviorBehaviorAllow,
		DownloadPath:  s.cfg.DownloadDir,
		EventsEnabled: true,
	}.Call(s.browser)
	if err != nil {
		return fmt.Errorf("set download behavior: %w", err)
	}

	go s.browser.EachEvent(
		func(e *proto.BrowserDownloadWillBegin) {
			s.downloads.begin(e.GUID, e.SuggestedFilename)
		},
		func(e *proto.BrowserDownloadProgress) {
			if e.State == proto.BrowserDownloadProgressStateCompleted {
				s.downloads.complete(e.GUID)
			}
		},
	)()
	return nil
}
