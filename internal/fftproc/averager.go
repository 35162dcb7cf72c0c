package fftproc

// Averager implements the linear (arithmetic-mean, in dB space) averaging
// of consecutive power spectra: it emits exactly one row per `depth` inputs
// and retains `inputs mod depth` internally between emissions.
type Averager struct {
	depth int
	sum   []float64
	count int
}

// NewAverager creates an averager with the given depth (>=1).
func NewAverager(depth int) *Averager {
	if depth < 1 {
		depth = 1
	}
	return &Averager{depth: depth}
}

// SetDepth updates the averaging depth. Existing partial state is kept;
// only Reset discards it — a depth change alone doesn't imply a reset,
// only an explicit reset_averager control message does.
func (a *Averager) SetDepth(depth int) {
	if depth < 1 {
		depth = 1
	}
	a.depth = depth
}

// Add folds row into the running sum. It returns (result, true) once depth
// inputs have accumulated, at which point the averager resets its internal
// sum to begin the next window; otherwise it returns (nil, false).
func (a *Averager) Add(row []float64) ([]float64, bool) {
	if a.sum == nil {
		a.sum = make([]float64, len(row))
	}
	for i, v := range row {
		a.sum[i] += v
	}
	a.count++

	if a.count < a.depth {
		return nil, false
	}

	out := make([]float64, len(a.sum))
	inv := 1.0 / float64(a.count)
	for i, v := range a.sum {
		out[i] = v * inv
	}

	a.sum = nil
	a.count = 0
	return out, true
}

// Pending returns how many inputs have accumulated since the last emission
// (the `inputs mod depth` retained internally).
func (a *Averager) Pending() int { return a.count }

// Reset discards any partial sum, used on an explicit reset_averager
// control message or a sample-rate-change marker.
func (a *Averager) Reset() {
	a.sum = nil
	a.count = 0
}
