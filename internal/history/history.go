// Package history is the append-only log sink for deployment pipelines,
// domain provisioning and bulk batches. Each stream is independent: site
// tasks write to their own streams concurrently, while a batch's aggregated
// stream serializes appends from all of its tasks.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ablqvist/slipway/internal/logging"
)

// Severity classifies a log entry.
type Severity string

const (
	Info    Severity = "info"
	Success Severity = "success"
	Warning Severity = "warning"
	Error   Severity = "error"
)

// Entry is one line in a stream.
type Entry struct {
	Time     time.Time `json:"time"`
	Severity Severity  `json:"severity"`
	Site     string    `json:"site,omitempty"`
	Message  string    `json:"message"`
}

// Format renders the entry the way the on-disk log files store it.
func (e Entry) Format() string {
	sitePrefix := ""
	if e.Site != "" {
		sitePrefix = "[" + e.Site + "] "
	}
	return fmt.Sprintf("[%s] %s: %s%s",
		e.Time.Format("2006-01-02 15:04:05"), strings.ToUpper(string(e.Severity)), sitePrefix, e.Message)
}

// Stream key helpers. One stream per domain per pipeline kind, one per batch.

func LocalStreamKey(domain string) string  { return domain + "_local_live_process" }
func DomainStreamKey(domain string) string { return domain + "_domain_live_process" }
func BatchStreamKey(batchID string) string { return "bulk_" + batchID + "_deploy" }

// Sink owns every stream and the history directory they are persisted to.
type Sink struct {
	root   string
	logger logging.Logger

	mu      sync.Mutex
	streams map[string]*Stream
}

// NewSink creates the history root directory and returns a Sink.
func NewSink(root string, logger logging.Logger) (*Sink, error) {
	if root == "" {
		return nil, fmt.Errorf("history root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create history root: %w", err)
	}
	return &Sink{root: root, logger: logger, streams: make(map[string]*Stream)}, nil
}

// Stream returns the stream for key, creating it on first use.
func (s *Sink) Stream(key string) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[key]; ok {
		return st
	}
	st := &Stream{
		key:    key,
		path:   filepath.Join(s.root, sanitizeKey(key)+".log"),
		logger: s.logger,
	}
	s.streams[key] = st
	return st
}

// Snapshot returns a copy of the entries for key, or nil when the stream
// does not exist yet. It never creates a stream.
func (s *Sink) Snapshot(key string) []Entry {
	s.mu.Lock()
	st, ok := s.streams[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return st.Snapshot()
}

func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		if (r >= 'A' && r <= 'Z') ||
			(r >= 'a' && r <= 'z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._-")
	if out == "" {
		out = fmt.Sprintf("stream-%d", time.Now().UnixNano())
	}
	return out
}

// Stream is one append-only event stream. Appends are serialized; snapshots
// and subscriptions are safe to use while writers are in flight.
type Stream struct {
	key    string
	path   string
	logger logging.Logger

	mu      sync.Mutex
	entries []Entry
	subs    map[int]chan Entry
	nextSub int
}

// Append adds an entry and fans it out to subscribers. The entry is also
// appended to the stream's file; a file write failure is logged but never
// fails the append, since losing durable logs must not abort a deployment.
func (st *Stream) Append(sev Severity, msg string) Entry {
	return st.append(Entry{Time: time.Now(), Severity: sev, Message: msg})
}

// AppendSite is Append with a site attribution, used by batch streams where
// multiple site tasks share one stream.
func (st *Stream) AppendSite(site string, sev Severity, msg string) Entry {
	return st.append(Entry{Time: time.Now(), Severity: sev, Site: site, Message: msg})
}

func (st *Stream) append(e Entry) Entry {
	st.mu.Lock()
	st.entries = append(st.entries, e)
	// Fan out while holding the lock: cancel closes channels under the same
	// lock, so a send can never hit a just-closed channel. Sends are
	// non-blocking; a slow subscriber drops entries rather than stalling
	// the deployment that is writing them.
	for _, ch := range st.subs {
		select {
		case ch <- e:
		default:
		}
	}
	st.mu.Unlock()

	f, err := os.OpenFile(st.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		st.logger.Warn("opening history file",
			logging.Field{Key: "stream", Value: st.key},
			logging.Field{Key: "error", Value: err.Error()})
		return e
	}
	defer f.Close()
	if _, err := f.WriteString(e.Format() + "\n"); err != nil {
		st.logger.Warn("appending history file",
			logging.Field{Key: "stream", Value: st.key},
			logging.Field{Key: "error", Value: err.Error()})
	}
	return e
}

// Snapshot returns a copy of all entries appended so far.
func (st *Stream) Snapshot() []Entry {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Entry, len(st.entries))
	copy(out, st.entries)
	return out
}

// Subscribe returns a channel receiving every entry appended after the call,
// and a cancel func that must be called to release the subscription. The
// channel is closed on cancel.
func (st *Stream) Subscribe() (<-chan Entry, func()) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.subs == nil {
		st.subs = make(map[int]chan Entry)
	}
	id := st.nextSub
	st.nextSub++
	ch := make(chan Entry, 64)
	st.subs[id] = ch

	cancel := func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if _, ok := st.subs[id]; ok {
			delete(st.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}
