package mediaengine

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Analyzer defaults, matching what browsers use for an AnalyserNode.
const (
	DefaultFFTSize        = 2048
	DefaultSmoothing      = 0.8
	DefaultMinDecibels    = -100.0
	DefaultMaxDecibels    = -30.0
	analyzerSampleScaling = 1.0 / 32768.0
)

// SpectrumAnalyzer keeps the most recent fftSize mono samples and turns
// them into byte frequency data: smoothed magnitudes in dB mapped linearly
// from [minDecibels, maxDecibels] onto [0,255]. All buffers are allocated
// up front; Write, Compute and ByteFrequencyData do not allocate.
type SpectrumAnalyzer struct {
	mu sync.Mutex

	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	fft      *fourier.FFT
	ring     []float64
	pos      int
	windowed []float64
	coeffs   []complex128
	smoothed []float64
	bytes    []byte
}

// NewSpectrumAnalyzer creates an analyzer over fftSize samples. fftSize is
// rounded up to an even number of at least 32.
func NewSpectrumAnalyzer(fftSize int) *SpectrumAnalyzer {
	if fftSize < 32 {
		fftSize = 32
	}
	if fftSize%2 != 0 {
		fftSize++
	}
	bins := fftSize / 2
	return &SpectrumAnalyzer{
		size:      fftSize,
		smoothing: DefaultSmoothing,
		minDB:     DefaultMinDecibels,
		maxDB:     DefaultMaxDecibels,
		fft:       fourier.NewFFT(fftSize),
		ring:      make([]float64, fftSize),
		windowed:  make([]float64, fftSize),
		coeffs:    make([]complex128, bins+1),
		smoothed:  make([]float64, bins),
		bytes:     make([]byte, bins),
	}
}

// BinCount returns the number of frequency bins.
func (a *SpectrumAnalyzer) BinCount() int {
	return a.size / 2
}

// WriteS16LE appends interleaved S16LE PCM, downmixed to mono.
func (a *SpectrumAnalyzer) WriteS16LE(pcm []byte, channels int) {
	if channels <= 0 {
		channels = 1
	}
	frameBytes := channels * 2

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i+frameBytes <= len(pcm); i += frameBytes {
		var sum float64
		for c := 0; c < channels; c++ {
			o := i + c*2
			sum += float64(int16(uint16(pcm[o]) | uint16(pcm[o+1])<<8))
		}
		a.ring[a.pos] = sum / float64(channels) * analyzerSampleScaling
		a.pos++
		if a.pos == a.size {
			a.pos = 0
		}
	}
}

// Compute runs one FFT over the current window and updates the smoothed
// spectrum.
func (a *SpectrumAnalyzer) Compute() {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Oldest sample first.
	n := copy(a.windowed, a.ring[a.pos:])
	copy(a.windowed[n:], a.ring[:a.pos])
	window.Blackman(a.windowed)

	a.fft.Coefficients(a.coeffs, a.windowed)

	scale := 1.0 / float64(a.size)
	span := a.maxDB - a.minDB
	for i := range a.smoothed {
		mag := cmplxAbs(a.coeffs[i]) * scale
		a.smoothed[i] = a.smoothing*a.smoothed[i] + (1-a.smoothing)*mag

		db := math.Inf(-1)
		if a.smoothed[i] > 0 {
			db = 20 * math.Log10(a.smoothed[i])
		}
		v := 255 * (db - a.minDB) / span
		switch {
		case v <= 0 || math.IsNaN(v):
			a.bytes[i] = 0
		case v >= 255:
			a.bytes[i] = 255
		default:
			a.bytes[i] = byte(v)
		}
	}
}

// ByteFrequencyData copies the latest byte spectrum into dst and returns the
// number of bins written.
func (a *SpectrumAnalyzer) ByteFrequencyData(dst []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copy(dst, a.bytes)
}

// Reset clears the sample window and the smoothed spectrum.
func (a *SpectrumAnalyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	clear(a.bytes)
	a.pos = 0
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

// MeterLevels turns byte frequency data into a left/right pair in [0,1]:
// the mean of the lower half of the bins is reported as left and the mean of
// the upper half as right. This is a cheap stereo-feel proxy, not channel
// decoding: both values describe the same downmixed signal.
func MeterLevels(freq []byte) [2]float64 {
	n := len(freq)
	if n < 2 {
		return [2]float64{}
	}
	half := n / 2
	var lo, hi int
	for _, b := range freq[:half] {
		lo += int(b)
	}
	for _, b := range freq[half:] {
		hi += int(b)
	}
	return [2]float64{
		float64(lo) / float64(half) / 255,
		float64(hi) / float64(n-half) / 255,
	}
}
