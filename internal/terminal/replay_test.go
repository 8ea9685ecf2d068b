package terminal

import (
	"strconv"
	"testing"
)

func TestReplayBufferEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	buffer := newReplayBuffer(3)
	for i := 1; i <= 5; i++ {
		buffer.append([]byte(strconv.Itoa(i)))
	}

	if got := buffer.count(); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}

	chunks := buffer.drain()
	got := ""
	for _, chunk := range chunks {
		got += string(chunk)
	}
	if got != "345" {
		t.Fatalf("drained = %q, want %q", got, "345")
	}
	if buffer.count() != 0 {
		t.Fatalf("count after drain = %d, want 0", buffer.count())
	}

	buffer.append([]byte("6"))
	chunks = buffer.drain()
	if len(chunks) != 1 || string(chunks[0]) != "6" {
		t.Fatalf("drained after reuse = %q", chunks)
	}
}

func TestReplayBufferDefaultCapacity(t *testing.T) {
	t.Parallel()

	buffer := newReplayBuffer(0)
	for i := 0; i < DefaultReplayChunks+10; i++ {
		buffer.append([]byte{byte(i)})
	}
	if got := buffer.count(); got != DefaultReplayChunks {
		t.Fatalf("count = %d, want %d", got, DefaultReplayChunks)
	}
	if first := buffer.drain()[0]; first[0] != byte(10) {
		t.Fatalf("oldest chunk = %d, want 10", first[0])
	}
}
