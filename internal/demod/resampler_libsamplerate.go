//go:build libsamplerate

package demod

/*
#cgo pkg-config: samplerate
#include <stdlib.h>
#include <samplerate.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// cResampler wraps libsamplerate's sinc resampler and is compiled only in
// builds tagged "libsamplerate". Demodulator does not construct it: with or
// without the tag it uses the pure-Go linear Resampler.
type cResampler struct {
	state    *C.SRC_STATE
	ratio    float64
	channels int
}

func newCResampler(inRate, outRate float64, channels int) (*cResampler, error) {
	var errno C.int
	state := C.src_new(C.SRC_SINC_MEDIUM_QUALITY, C.int(channels), &errno)
	if state == nil {
		return nil, fmt.Errorf("demod: libsamplerate init: %s", C.GoString(C.src_strerror(errno)))
	}
	return &cResampler{state: state, ratio: outRate / inRate, channels: channels}, nil
}

func (r *cResampler) Process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	outLen := int(float64(len(in))*r.ratio) + r.channels
	out := make([]float32, outLen)

	var data C.SRC_DATA
	data.data_in = (*C.float)(unsafe.Pointer(&in[0]))
	data.input_frames = C.long(len(in) / r.channels)
	data.data_out = (*C.float)(unsafe.Pointer(&out[0]))
	data.output_frames = C.long(outLen / r.channels)
	data.src_ratio = C.double(r.ratio)

	C.src_process(r.state, &data)
	return out[:int(data.output_frames_gen)*r.channels]
}

func (r *cResampler) Close() {
	C.src_delete(r.state)
}
