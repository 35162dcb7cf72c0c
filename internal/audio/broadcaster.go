package audio

import (
	"log"

	"github.com/cwsl/groundstation/internal/broadcaster"
)

// Broadcaster re-fans one demodulator's audio to playback, recording, and
// decoder sinks. It is a thin type alias over the generic broadcaster
// instantiated for Message.
type Broadcaster = broadcaster.Broadcaster[Message]

// NewBroadcaster creates an audio broadcaster named name with the given
// input queue capacity (a default bound somewhere around 10..50 is typical).
func NewBroadcaster(name string, inputCapacity int, logger *log.Logger) *Broadcaster {
	return broadcaster.New[Message](name, inputCapacity, logger)
}
