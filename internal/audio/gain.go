package audio

import "github.com/cwsl/groundstation/internal/vfo"

// ApplyVFO implements the per-chunk rules the VFO Manager applies to every
// demodulated Audio Message before handing it to the event router:
//
//	(ii)  neither active nor selected -> drop (ok=false)
//	(iii) active                      -> multiply samples by volume/100*1.5
//	(iv)  selected but not active      -> substitute zeros of the same length
//	(v)   stamp the session id and VFO snapshot onto the outgoing message
func ApplyVFO(msg Message, state vfo.State, sessionID string) (out Message, ok bool) {
	emit, silence := vfo.ShouldEmit(state)
	if !emit {
		return Message{}, false
	}

	out = msg
	out.SessionID = sessionID
	out.VFOSnapshot = state

	if silence {
		out.Samples = make([]float32, len(msg.Samples))
		return out, true
	}

	gain := float32(state.Volume) / 100.0 * 1.5
	samples := make([]float32, len(msg.Samples))
	for i, v := range msg.Samples {
		samples[i] = v * gain
	}
	out.Samples = samples
	return out, true
}
