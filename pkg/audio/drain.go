package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a provider goroutine (e.g. a TTS audio channel) when a
// turn is abandoned mid-stream.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
