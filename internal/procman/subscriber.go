package procman

import "fmt"

// SubscriberKind enumerates the pipeline roles that subscribe to a
// broadcaster.
type SubscriberKind string

const (
	SubDemod         SubscriberKind = "demod"
	SubFFT           SubscriberKind = "fft"
	SubRecorder      SubscriberKind = "recorder"
	SubAudioRecorder SubscriberKind = "audio_recorder"
	SubDecoder       SubscriberKind = "decoder"
	SubWebAudio      SubscriberKind = "web_audio"
)

// SubscriberID is the typed form of the subscription key strings
// ("demod:{session}:vfo{n}", "recorder:{session}", ...). The string form
// doubles as unique identity on the broadcaster and as the handle passed
// to Unsubscribe; the struct form keeps call sites from assembling those
// strings by hand.
type SubscriberID struct {
	Kind    SubscriberKind
	Session string
	VFO     uint8 // 0 = not VFO-scoped
}

func (s SubscriberID) String() string {
	if s.VFO == 0 {
		return fmt.Sprintf("%s:%s", s.Kind, s.Session)
	}
	return fmt.Sprintf("%s:%s:vfo%d", s.Kind, s.Session, s.VFO)
}
