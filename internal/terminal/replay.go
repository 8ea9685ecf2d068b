package terminal

// DefaultReplayChunks caps the per-session replay buffer.
const DefaultReplayChunks = 1000

// replayBuffer is a fixed-capacity ring of output chunks. Not safe for
// concurrent use; the registry guards it.
type replayBuffer struct {
	chunks [][]byte
	start  int
	size   int
}

func newReplayBuffer(capacity int) *replayBuffer {
	if capacity <= 0 {
		capacity = DefaultReplayChunks
	}
	return &replayBuffer{chunks: make([][]byte, capacity)}
}

// append stores chunk, evicting the oldest entry when full.
func (b *replayBuffer) append(chunk []byte) {
	capacity := len(b.chunks)
	if b.size < capacity {
		b.chunks[(b.start+b.size)%capacity] = chunk
		b.size++
		return
	}
	b.chunks[b.start] = chunk
	b.start = (b.start + 1) % capacity
}

// drain returns the buffered chunks oldest first and empties the buffer.
func (b *replayBuffer) drain() [][]byte {
	out := make([][]byte, 0, b.size)
	capacity := len(b.chunks)
	for i := 0; i < b.size; i++ {
		idx := (b.start + i) % capacity
		out = append(out, b.chunks[idx])
		b.chunks[idx] = nil
	}
	b.start = 0
	b.size = 0
	return out
}

func (b *replayBuffer) count() int {
	return b.size
}
