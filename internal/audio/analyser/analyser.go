// Package analyser extracts frequency-domain energy from a live audio stream
// the way a WebAudio AnalyserNode does: Blackman window, FFT, temporal
// smoothing and a decibel window mapped onto bytes.
package analyser

import (
	"errors"
	"math"
	"sync"

	"voice-session/internal/audio"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	DefaultFFTSize               = 256
	DefaultSmoothingTimeConstant = 0.8
	DefaultMinDecibels           = -100.0
	DefaultMaxDecibels           = -30.0
)

var (
	ErrInvalidFFTSize = errors.New("fft size must be a power of two between 32 and 32768")
	ErrNilStream      = errors.New("stream cannot be nil")
	ErrClosed         = errors.New("analyser closed")
)

type Options struct {
	FFTSize               int
	SmoothingTimeConstant float64
	MinDecibels           float64
	MaxDecibels           float64
}

func DefaultOptions() Options {
	return Options{
		FFTSize:               DefaultFFTSize,
		SmoothingTimeConstant: DefaultSmoothingTimeConstant,
		MinDecibels:           DefaultMinDecibels,
		MaxDecibels:           DefaultMaxDecibels,
	}
}

// Analyser reads the latest window of a stream on demand. It is owned by a
// single meter and must be closed when the stream goes away.
type Analyser struct {
	mu       sync.Mutex
	stream   audio.Stream
	opts     Options
	fft      *fourier.FFT
	window   []float64
	samples  []float32
	input    []float64
	coeffs   []complex128
	smoothed []float64
	closed   bool
}

// New binds an analyser to stream.
func New(stream audio.Stream, opts Options) (*Analyser, error) {
	if stream == nil {
		return nil, ErrNilStream
	}
	n := opts.FFTSize
	if n < 32 || n > 32768 || n&(n-1) != 0 {
		return nil, ErrInvalidFFTSize
	}
	if opts.MaxDecibels <= opts.MinDecibels {
		opts.MinDecibels, opts.MaxDecibels = DefaultMinDecibels, DefaultMaxDecibels
	}
	if opts.SmoothingTimeConstant < 0 || opts.SmoothingTimeConstant > 1 {
		opts.SmoothingTimeConstant = DefaultSmoothingTimeConstant
	}

	return &Analyser{
		stream:   stream,
		opts:     opts,
		fft:      fourier.NewFFT(n),
		window:   blackman(n),
		samples:  make([]float32, n),
		input:    make([]float64, n),
		smoothed: make([]float64, n/2),
	}, nil
}

// FrequencyBinCount is half the FFT size.
func (a *Analyser) FrequencyBinCount() int {
	return a.opts.FFTSize / 2
}

// ByteFrequencyData fills dst with the current spectrum, one byte per bin.
// Extra entries in dst are left untouched.
func (a *Analyser) ByteFrequencyData(dst []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	a.stream.Latest(a.samples)
	for i, s := range a.samples {
		a.input[i] = float64(s) * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.input)

	n := float64(a.opts.FFTSize)
	tau := a.opts.SmoothingTimeConstant
	scale := 255 / (a.opts.MaxDecibels - a.opts.MinDecibels)
	bins := min(len(dst), len(a.smoothed))
	for k := range a.smoothed {
		mag := cmplxAbs(a.coeffs[k]) / n
		a.smoothed[k] = tau*a.smoothed[k] + (1-tau)*mag
		if k >= bins {
			continue
		}
		db := 20 * math.Log10(a.smoothed[k])
		v := scale * (db - a.opts.MinDecibels)
		switch {
		case math.IsNaN(v) || v < 0:
			dst[k] = 0
		case v > 255:
			dst[k] = 255
		default:
			dst[k] = byte(v)
		}
	}
	return nil
}

// Close releases the analysis buffers. It is safe to call more than once.
func (a *Analyser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.samples, a.input, a.coeffs, a.smoothed = nil, nil, nil, nil
	return nil
}

func blackman(n int) []float64 {
	const a0, a1, a2 = 0.42, 0.5, 0.08
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
