package history

import (
	"bytes"
	"strings"
	"testing"
)

func TestSnapshotEmpty(t *testing.T) {
	b := New(64)
	data, seq := b.Snapshot()
	if len(data) != 0 || seq != 0 {
		t.Errorf("empty buffer snapshot = (%q, %d), want empty", data, seq)
	}
}

func TestAppendAndSnapshotInOrder(t *testing.T) {
	b := New(1024)
	b.Append(1, []byte("first\r\n"))
	b.Append(2, []byte("second\r\n"))
	b.Append(3, []byte("third\r\n"))

	data, seq := b.Snapshot()
	if got := string(data); got != "first\r\nsecond\r\nthird\r\n" {
		t.Errorf("snapshot = %q", got)
	}
	if seq != 3 {
		t.Errorf("lastSeq = %d, want 3", seq)
	}
}

func TestWrapAroundTruncatesFromHead(t *testing.T) {
	b := New(8)
	b.Append(1, []byte("abcdef"))
	b.Append(2, []byte("ghij"))

	data, seq := b.Snapshot()
	if len(data) != 8 {
		t.Fatalf("snapshot length = %d, want capacity 8", len(data))
	}
	// The newest bytes survive; the oldest are truncated.
	if !bytes.HasSuffix(data, []byte("ghij")) {
		t.Errorf("snapshot %q does not end with the newest append", data)
	}
	if seq != 2 {
		t.Errorf("lastSeq = %d, want 2", seq)
	}
}

func TestWrapAroundKeepsChronologicalOrder(t *testing.T) {
	b := New(10)
	for i := 1; i <= 20; i++ {
		b.Append(uint64(i), []byte{byte('a' + i - 1)})
	}
	data, _ := b.Snapshot()
	// Bytes must be strictly in append order even across the wrap point.
	if !strings.Contains("abcdefghijklmnopqrst", string(data)) {
		t.Errorf("snapshot %q is not a contiguous suffix of the appended stream", data)
	}
	if data[len(data)-1] != 't' {
		t.Errorf("snapshot %q does not end with the last appended byte", data)
	}
}

func TestEmptyAppendStillAdvancesSeq(t *testing.T) {
	b := New(64)
	b.Append(5, nil)
	if got := b.LastSeq(); got != 5 {
		t.Errorf("LastSeq = %d, want 5", got)
	}
}

func TestNonPositiveCapacityUsesDefault(t *testing.T) {
	b := New(0)
	if b.cap != DefaultCapacity {
		t.Errorf("capacity = %d, want %d", b.cap, DefaultCapacity)
	}
}

func TestOversizeAppend(t *testing.T) {
	b := New(4)
	b.Append(1, []byte("abcdefgh"))
	data, _ := b.Snapshot()
	if string(data) != "efgh" {
		t.Errorf("snapshot = %q, want the last 4 bytes %q", data, "efgh")
	}
}
