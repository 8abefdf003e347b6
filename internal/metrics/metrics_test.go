package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.IncAuthenticated()
	m.IncMessagesIn()
	m.IncMessagesOut()
	m.AddBytesIn(100)
	m.AddBytesOut(50)
	m.IncBroadcasts()
	m.IncRateLimited()
	m.SetQueueDepth(7)

	snap := m.Snapshot()
	if snap.Connections.Current != 1 || snap.Connections.Total != 2 {
		t.Fatalf("connection counters wrong: %+v", snap.Connections)
	}
	if snap.Traffic.MessagesIn != 1 || snap.Traffic.BytesIn != 100 || snap.Traffic.BytesOut != 50 {
		t.Fatalf("traffic counters wrong: %+v", snap.Traffic)
	}
	if snap.Failures.RateLimited != 1 {
		t.Fatalf("failure counters wrong: %+v", snap.Failures)
	}
	if snap.QueueDepth != 7 {
		t.Fatalf("queue depth = %d", snap.QueueDepth)
	}
}

func TestConnClosedNeverUnderflows(t *testing.T) {
	m := New()
	m.ConnClosed()
	if cur := m.Snapshot().Connections.Current; cur != 0 {
		t.Fatalf("current = %d, want 0", cur)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.ConnOpened()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("bad snapshot json: %v", err)
	}
	if snap.Connections.Total != 1 {
		t.Fatalf("snapshot content wrong: %+v", snap)
	}
}

func TestWriteSnapshotEmptyPathIsNoop(t *testing.T) {
	if err := New().WriteSnapshot(""); err != nil {
		t.Fatalf("empty path should be a no-op, got %v", err)
	}
}
