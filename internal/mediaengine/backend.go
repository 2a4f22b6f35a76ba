package mediaengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_listen/internal/models"
)

// ErrBackendUnavailable is returned by Open when the audio output cannot be
// built on this host.
var ErrBackendUnavailable = errors.New("audio backend unavailable")

// Backend is the audio graph: a source that can be pointed at an asset, an
// analyser tapping the source, a gain stage and an output. Only the Engine
// calls it, always from the loop; implementations must not block for long.
type Backend interface {
	// Open builds the graph. It is called at most once per session.
	Open(ctx context.Context) error
	// Resume restarts an output that was suspended or died.
	Resume(ctx context.Context) error
	// Load switches the source to asset and starts playing at offset seconds.
	Load(asset models.Asset, offset float64) error
	// Seek moves the current source to offset seconds.
	Seek(offset float64) error
	// Position returns the source position in seconds.
	Position() float64
	// Playing reports whether the source is producing audio.
	Playing() bool
	// RampGain moves the output gain linearly to target over the duration.
	RampGain(target float64, over time.Duration)
	// FrequencyData fills dst with byte frequency data and returns the number
	// of bins written.
	FrequencyData(dst []byte) int
	Close() error
}

// BackendConfig configures the GStreamer backend.
type BackendConfig struct {
	GStreamerBin string
	SinkElement  string
	Format       PCMFormat
	FFTSize      int
}

// GStreamerBackend decodes with one gst-launch process per asset and plays
// through a long-running sink process. PCM flows through a Go pump between
// the two, which applies the replay-gain trim, feeds the analyzer and then
// applies the output gain ramp.
type GStreamerBackend struct {
	cfg      BackendConfig
	logger   zerolog.Logger
	analyzer *SpectrumAnalyzer

	mu       sync.Mutex
	sink     *GStreamerProcess
	dec      *decoderSource
	gain     gainRamp
	closed   bool
	pumping  bool
	stopPump context.CancelFunc
	pumpDone chan struct{}
}

type decoderSource struct {
	proc *GStreamerProcess
	out  io.Reader
	trim float64
	// consumed counts bytes read from the decoder, skipped ones included.
	consumed int64
	skip     int64
	eof      bool
}

// NewGStreamerBackend creates an unopened backend.
func NewGStreamerBackend(cfg BackendConfig, logger zerolog.Logger) *GStreamerBackend {
	if cfg.GStreamerBin == "" {
		cfg.GStreamerBin = "gst-launch-1.0"
	}
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		cfg.Format = DefaultPCMFormat
	}
	if cfg.FFTSize <= 0 {
		cfg.FFTSize = DefaultFFTSize
	}
	return &GStreamerBackend{
		cfg:      cfg,
		logger:   logger.With().Str("component", "audio_backend").Logger(),
		analyzer: NewSpectrumAnalyzer(cfg.FFTSize),
		gain:     gainRamp{current: 0, target: 0},
	}
}

// Open starts the sink and the pump.
func (b *GStreamerBackend) Open(ctx context.Context) error {
	if _, err := exec.LookPath(b.cfg.GStreamerBin); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return b.startOutput(ctx)
}

// Resume restarts the sink if it exited.
func (b *GStreamerBackend) Resume(ctx context.Context) error {
	b.mu.Lock()
	running := b.pumping
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBackendUnavailable
	}
	if running {
		return nil
	}
	b.logger.Info().Msg("restarting audio output")
	return b.startOutput(ctx)
}

func (b *GStreamerBackend) startOutput(ctx context.Context) error {
	sink := NewGStreamerProcess(context.Background(), GStreamerProcessConfig{
		ID:        "sink",
		Bin:       b.cfg.GStreamerBin,
		Args:      SinkArgs(b.cfg.SinkElement, b.cfg.Format),
		PipeStdin: true,
	}, b.logger)
	if sink.Stdin() == nil {
		return fmt.Errorf("%w: no sink stdin", ErrBackendUnavailable)
	}
	if err := sink.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	b.mu.Lock()
	b.sink = sink
	b.pumping = true
	b.stopPump = cancel
	b.pumpDone = done
	b.mu.Unlock()

	go b.pump(pumpCtx, sink.Stdin(), done)
	return nil
}

// Load starts a decoder for asset and discards PCM up to offset.
func (b *GStreamerBackend) Load(asset models.Asset, offset float64) error {
	if asset.AudioURL == "" {
		return fmt.Errorf("asset %s has no audio url", asset.ID)
	}

	proc := NewGStreamerProcess(context.Background(), GStreamerProcessConfig{
		ID:         "decoder:" + asset.ID,
		Bin:        b.cfg.GStreamerBin,
		Args:       DecoderArgs(asset.AudioURL, b.cfg.Format),
		PipeStdout: true,
	}, b.logger)
	if proc.Stdout() == nil {
		return fmt.Errorf("decoder for %s: no stdout", asset.ID)
	}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("start decoder for %s: %w", asset.ID, err)
	}

	dec := &decoderSource{
		proc: proc,
		out:  proc.Stdout(),
		trim: ReplayGainTrim(asset.ReplayGain),
		skip: b.offsetBytes(offset),
	}

	b.mu.Lock()
	prev := b.dec
	b.dec = dec
	b.mu.Unlock()

	if prev != nil {
		prev.proc.Kill()
	}
	b.analyzer.Reset()
	return nil
}

// Seek skips forward in the running decoder, or restarts it for backward
// seeks.
func (b *GStreamerBackend) Seek(offset float64) error {
	b.mu.Lock()
	dec := b.dec
	if dec == nil {
		b.mu.Unlock()
		return errors.New("no source loaded")
	}
	target := b.offsetBytes(offset)
	current := dec.consumed + dec.skip
	if target >= current && !dec.eof {
		dec.skip += target - current
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	// Backward seeks need a fresh decoder; the decoder args carry the uri.
	args := dec.proc.cmd.Args[1:]
	proc := NewGStreamerProcess(context.Background(), GStreamerProcessConfig{
		ID:         dec.proc.id,
		Bin:        b.cfg.GStreamerBin,
		Args:       args,
		PipeStdout: true,
	}, b.logger)
	if proc.Stdout() == nil {
		return errors.New("restart decoder: no stdout")
	}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("restart decoder: %w", err)
	}

	b.mu.Lock()
	prev := b.dec
	b.dec = &decoderSource{proc: proc, out: proc.Stdout(), trim: dec.trim, skip: target}
	b.mu.Unlock()
	if prev != nil {
		prev.proc.Kill()
	}
	return nil
}

// Position returns the media time of the current source.
func (b *GStreamerBackend) Position() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dec == nil {
		return 0
	}
	return float64(b.dec.consumed+b.dec.skip) / float64(b.cfg.Format.BytesPerSecond())
}

// Playing reports whether a decoder is delivering audio to a live sink.
func (b *GStreamerBackend) Playing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pumping && b.dec != nil && !b.dec.eof
}

// RampGain schedules a linear gain ramp applied by the pump.
func (b *GStreamerBackend) RampGain(target float64, over time.Duration) {
	frames := int(over.Seconds() * float64(b.cfg.Format.SampleRate))
	b.mu.Lock()
	b.gain.rampTo(target, frames)
	b.mu.Unlock()
}

// FrequencyData copies the analyzer's latest byte spectrum.
func (b *GStreamerBackend) FrequencyData(dst []byte) int {
	return b.analyzer.ByteFrequencyData(dst)
}

// Close stops the decoder, the pump and the sink.
func (b *GStreamerBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	dec := b.dec
	b.dec = nil
	sink := b.sink
	stop := b.stopPump
	done := b.pumpDone
	b.mu.Unlock()

	if dec != nil {
		dec.proc.Kill()
	}
	if stop != nil {
		stop()
	}
	if sink != nil {
		_ = sink.Stop(2 * time.Second)
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			b.logger.Warn().Msg("audio pump did not stop")
		}
	}
	return nil
}

func (b *GStreamerBackend) offsetBytes(offset float64) int64 {
	if offset <= 0 || math.IsNaN(offset) {
		return 0
	}
	frameBytes := int64(b.cfg.Format.Channels * 2)
	n := int64(offset * float64(b.cfg.Format.BytesPerSecond()))
	return n - n%frameBytes
}

// pump moves 20ms frames from the current decoder to the sink. Silence is
// written while nothing is loaded so the sink keeps real-time pacing.
func (b *GStreamerBackend) pump(ctx context.Context, out io.Writer, done chan struct{}) {
	defer close(done)
	defer func() {
		b.mu.Lock()
		b.pumping = false
		b.mu.Unlock()
	}()

	f := b.cfg.Format
	frameBytes := (f.SampleRate / 50) * f.Channels * 2
	buf := make([]byte, frameBytes)

	for {
		if ctx.Err() != nil {
			return
		}

		b.mu.Lock()
		dec := b.dec
		b.mu.Unlock()

		var frame []byte
		if dec == nil || dec.eof {
			clear(buf)
			frame = buf
		} else {
			n, err := io.ReadFull(dec.out, buf)
			frame = b.consume(dec, buf[:n], err)
			if frame == nil {
				continue
			}
		}

		b.analyzer.WriteS16LE(frame, f.Channels)
		b.analyzer.Compute()

		b.mu.Lock()
		b.gain.apply(frame, f.Channels)
		b.mu.Unlock()

		if _, err := out.Write(frame); err != nil {
			if ctx.Err() == nil {
				b.logger.Debug().Err(err).Msg("audio sink write failed")
			}
			return
		}
	}
}

// consume accounts for n bytes read from dec and returns the part that
// should be played, or nil when everything was skipped or dec is stale.
func (b *GStreamerBackend) consume(dec *decoderSource, data []byte, readErr error) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if dec != b.dec {
		return nil
	}
	if readErr != nil {
		dec.eof = true
		if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			b.logger.Debug().Err(readErr).Msg("decoder read failed")
		}
	}

	n := int64(len(data))
	if dec.skip > 0 {
		if dec.skip >= n {
			dec.skip -= n
			dec.consumed += n
			return nil
		}
		data = data[dec.skip:]
		dec.consumed += dec.skip
		dec.skip = 0
	}
	dec.consumed += int64(len(data))
	if len(data) == 0 {
		return nil
	}
	scaleS16LE(data, dec.trim)
	return data
}

// gainRamp is a linear per-frame gain ramp.
type gainRamp struct {
	current float64
	target  float64
	step    float64
	left    int
}

func (g *gainRamp) rampTo(target float64, frames int) {
	g.target = target
	if frames <= 0 {
		g.current = target
		g.left = 0
		return
	}
	g.step = (target - g.current) / float64(frames)
	g.left = frames
}

func (g *gainRamp) apply(pcm []byte, channels int) {
	if g.left == 0 && g.current == 1 {
		return
	}
	frameBytes := channels * 2
	for i := 0; i+frameBytes <= len(pcm); i += frameBytes {
		if g.left > 0 {
			g.current += g.step
			g.left--
			if g.left == 0 {
				g.current = g.target
			}
		}
		scaleS16LE(pcm[i:i+frameBytes], g.current)
	}
}

// ReplayGainTrim converts a replay-gain adjustment in dB to a linear factor
// clamped to [0.1, 4].
func ReplayGainTrim(db float64) float64 {
	if db == 0 || math.IsNaN(db) || math.IsInf(db, 0) {
		return 1
	}
	v := math.Pow(10, db/20)
	return math.Max(0.1, math.Min(4, v))
}

func scaleS16LE(pcm []byte, gain float64) {
	if gain == 1 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		m := int32(float64(s) * gain)
		if m > 32767 {
			m = 32767
		} else if m < -32768 {
			m = -32768
		}
		u := uint16(int16(m))
		pcm[i] = byte(u & 0xff)
		pcm[i+1] = byte((u >> 8) & 0xff)
	}
}
