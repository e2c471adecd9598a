// Package status carries recorder and uploader state to whatever is showing
// it: the websocket hub, Prometheus, or nothing at all.
package status

import "time"

// Sink receives state changes. Implementations must not block the caller.
type Sink interface {
	Recording(on bool, elapsed time.Duration)
	Uploading(on bool, clip string)
	Uploaded()
}

// Nop discards everything.
type Nop struct{}

func (Nop) Recording(bool, time.Duration) {}
func (Nop) Uploading(bool, string)        {}
func (Nop) Uploaded()                     {}

// Multi fans each call out to every sink in order.
type Multi []Sink

func (m Multi) Recording(on bool, elapsed time.Duration) {
	for _, s := range m {
		s.Recording(on, elapsed)
	}
}

func (m Multi) Uploading(on bool, clip string) {
	for _, s := range m {
		s.Uploading(on, clip)
	}
}

func (m Multi) Uploaded() {
	for _, s := range m {
		s.Uploaded()
	}
}
