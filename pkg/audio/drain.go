package audio

// Drain discards values from ch until it is closed. Run it on the frame
// channel of a closed [Input] so its producer can finish a pending send and
// exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
