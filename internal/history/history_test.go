package history_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ablqvist/slipway/internal/history"
	"github.com/ablqvist/slipway/internal/logging"
)

func newTestSink(t *testing.T) (*history.Sink, string) {
	t.Helper()
	root := t.TempDir()
	sink, err := history.NewSink(root, logging.NewStdoutLogger("history_test"))
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	return sink, root
}

func TestStream_AppendAndSnapshot(t *testing.T) {
	sink, root := newTestSink(t)

	st := sink.Stream(history.LocalStreamKey("example.com"))
	st.Append(history.Info, "cloning repository")
	st.Append(history.Success, "clone complete")

	snap := st.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if snap[0].Severity != history.Info || snap[1].Severity != history.Success {
		t.Fatalf("unexpected severities: %+v", snap)
	}

	// Entries are persisted to the stream's file.
	data, err := os.ReadFile(filepath.Join(root, "example.com_local_live_process.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "clone complete") {
		t.Fatalf("log file missing entry: %s", data)
	}
}

func TestStream_ConcurrentAppenders(t *testing.T) {
	sink, _ := newTestSink(t)
	st := sink.Stream(history.BatchStreamKey("20250101_120000"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(site string) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				st.AppendSite(site, history.Info, "step")
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	if got := len(st.Snapshot()); got != 80 {
		t.Fatalf("expected 80 entries, got %d", got)
	}
}

func TestStream_SubscribeReceivesLiveEntries(t *testing.T) {
	sink, _ := newTestSink(t)
	st := sink.Stream(history.DomainStreamKey("example.com"))

	ch, cancel := st.Subscribe()
	defer cancel()

	st.Append(history.Warning, "nameserver delegation failed")

	select {
	case e := <-ch:
		if e.Severity != history.Warning {
			t.Fatalf("unexpected entry: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive entry")
	}

	cancel()
	if _, open := <-ch; open {
		t.Fatal("channel must be closed after cancel")
	}
}

func TestStream_CancelWhileAppending(t *testing.T) {
	sink, _ := newTestSink(t)
	st := sink.Stream(history.BatchStreamKey("20250101_130000"))

	// A subscription torn down while writers are appending must never make
	// an appender send on the closed channel.
	for i := 0; i < 50; i++ {
		_, cancel := st.Subscribe()

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				st.AppendSite("one.com", history.Info, "step")
			}()
		}
		cancel()
		wg.Wait()
	}
}

func TestSink_SnapshotWithoutStream(t *testing.T) {
	sink, _ := newTestSink(t)
	if got := sink.Snapshot("never-written"); got != nil {
		t.Fatalf("expected nil snapshot, got %v", got)
	}
}
