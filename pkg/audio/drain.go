package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to keep a producer from blocking when nobody consumes one of its
// streams, e.g. the transcript channel of a provider session.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
