package audio

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/pion/rtp"
)

// rtpPayloadType is a dynamic payload type for raw float32 PCM.
const rtpPayloadType = 96

// SSRCFor derives a stable RTP SSRC for one (session, vfo) audio stream,
// so a client can demultiplex streams for several VFOs over one channel.
func SSRCFor(sessionID string, vfoNumber uint8) uint32 {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	h.Write([]byte{vfoNumber})
	ssrc := h.Sum32()
	if ssrc == 0 || ssrc == 0xffffffff {
		ssrc = 1 // Avoid reserved values
	}
	return ssrc
}

// RTPPacketizer frames outgoing audio chunks with an RTP header before they
// reach the event router's binary audio-data frames. The timestamp is a
// running per-channel sample counter (the RTP clock runs at the audio
// sample rate), which gives the client drift-free playback alignment.
type RTPPacketizer struct {
	ssrc      uint32
	seq       uint16
	timestamp uint32
}

// NewRTPPacketizer creates a packetizer for one audio stream.
func NewRTPPacketizer(ssrc uint32) *RTPPacketizer {
	return &RTPPacketizer{ssrc: ssrc}
}

// Packetize wraps msg's samples into one marshaled RTP packet.
func (p *RTPPacketizer) Packetize(msg Message) ([]byte, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    rtpPayloadType,
			SequenceNumber: p.seq,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: SampleBytes(msg.Samples),
	}

	p.seq++
	perChannel := len(msg.Samples)
	if msg.Channels > 1 {
		perChannel /= int(msg.Channels)
	}
	p.timestamp += uint32(perChannel)

	return pkt.Marshal()
}

// SampleBytes encodes float32 samples as little-endian bytes, the payload
// format of both the RTP audio frames and the IQ decoder stdin stream.
func SampleBytes(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}
