package dispatch

import (
	"github.com/nulpointcorp/keyrelay/internal/sse"
)

// fragmentDivisor is the target number of fragments for a fake stream.
const fragmentDivisor = 10

// splitText cuts text into fragments of max(runes/10, 1) runes each. Short
// texts yield one fragment per rune; the last fragment may be shorter.
func splitText(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	size := max(len(runes)/fragmentDivisor, 1)

	out := make([]string, 0, (len(runes)+size-1)/size)
	for i := 0; i < len(runes); i += size {
		out = append(out, string(runes[i:min(i+size, len(runes))]))
	}
	return out
}

// simulate frames text as a stream of content chunks followed by the
// sentinel and returns the closed hand-off queue. The queue is sized for
// every frame, so the producer never waits on a consumer that may never
// come.
func simulate(id, model, text string) <-chan []byte {
	fragments := splitText(text)

	q := make(chan []byte, len(fragments)+1)
	for _, f := range fragments {
		q <- sse.Chunk(id, model, f, "")
	}
	q <- sse.Done()
	close(q)
	return q
}

// relayQueue drains a fake-stream winner in FIFO order. The sentinel is
// relayed and ends the stream; a queue that closes without one gets the
// sentinel appended so the client always sees it exactly once.
func relayQueue(q <-chan []byte, sink Sink) error {
	for frame := range q {
		if sse.IsDone(frame) {
			return sink(sse.Done())
		}
		if err := sink(sse.Normalize(frame)); err != nil {
			return err
		}
	}
	return sink(sse.Done())
}
