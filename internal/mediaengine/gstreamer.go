package mediaengine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// GStreamerProcess supervises one gst-launch process whose stdin or stdout
// carries raw PCM.
type GStreamerProcess struct {
	id     string
	bin    string
	cmd    *exec.Cmd
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	state     ProcessState
	startTime time.Time
	exitCode  int
	exitError error

	stdin      io.WriteCloser
	stdout     io.ReadCloser
	stdoutW    *os.File
	stderr     io.ReadCloser
	exited     chan struct{}
	outputDone chan struct{}

	telemetry *GStreamerTelemetry

	onExit func(exitCode int, err error)
}

// ProcessState represents the current state of a GStreamer process
type ProcessState string

const (
	ProcessStateIdle     ProcessState = "idle"
	ProcessStateStarting ProcessState = "starting"
	ProcessStateRunning  ProcessState = "running"
	ProcessStateStopping ProcessState = "stopping"
	ProcessStateStopped  ProcessState = "stopped"
	ProcessStateFailed   ProcessState = "failed"
)

// GStreamerTelemetry holds what can be learned from gst-launch diagnostics.
type GStreamerTelemetry struct {
	mu sync.RWMutex

	PipelineState string // NULL, READY, PAUSED, PLAYING
	UnderrunCount int64
	LastWarning   string
	LastError     string
}

// GStreamerProcessConfig contains configuration for launching GStreamer
type GStreamerProcessConfig struct {
	ID  string
	Bin string // defaults to gst-launch-1.0
	// Args are passed to gst-launch as separate arguments: flags first, then
	// the pipeline description split on element boundaries.
	Args []string
	// PipeStdin and PipeStdout expose the process's stdin/stdout for PCM.
	PipeStdin  bool
	PipeStdout bool
	OnExit     func(exitCode int, err error)
}

var (
	// State changes: "Setting pipeline to PAUSED"
	stateChangeRegex = regexp.MustCompile(`Setting pipeline to (\w+)`)

	// Errors: "ERROR: from element"
	errorRegex = regexp.MustCompile(`ERROR:(.+)`)

	// Warnings: "WARNING: from element"
	warningRegex = regexp.MustCompile(`WARNING:(.+)`)

	underrunRegex = regexp.MustCompile(`queue.*?is empty|underrun`)
)

// NewGStreamerProcess creates a process manager. Nothing runs until Start.
func NewGStreamerProcess(ctx context.Context, cfg GStreamerProcessConfig, logger zerolog.Logger) *GStreamerProcess {
	procCtx, cancel := context.WithCancel(ctx)
	bin := cfg.Bin
	if bin == "" {
		bin = "gst-launch-1.0"
	}

	gp := &GStreamerProcess{
		id:         cfg.ID,
		bin:        bin,
		logger:     logger.With().Str("gst_process", cfg.ID).Logger(),
		ctx:        procCtx,
		cancel:     cancel,
		state:      ProcessStateIdle,
		telemetry:  &GStreamerTelemetry{},
		exited:     make(chan struct{}),
		outputDone: make(chan struct{}),
		onExit:     cfg.OnExit,
	}
	gp.cmd = exec.CommandContext(procCtx, bin, cfg.Args...)

	if cfg.PipeStdin {
		if w, err := gp.cmd.StdinPipe(); err == nil {
			gp.stdin = w
		}
	}
	// A plain os.Pipe instead of StdoutPipe: Wait must not close the read
	// end while PCM is still buffered in it.
	if cfg.PipeStdout {
		if r, w, err := os.Pipe(); err == nil {
			gp.cmd.Stdout = w
			gp.stdout = r
			gp.stdoutW = w
		}
	}
	return gp
}

// Start launches the process.
func (gp *GStreamerProcess) Start() error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.state != ProcessStateIdle {
		return fmt.Errorf("process already started (state: %s)", gp.state)
	}
	gp.setState(ProcessStateStarting)

	var err error
	gp.stderr, err = gp.cmd.StderrPipe()
	if err != nil {
		gp.setState(ProcessStateFailed)
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	err = gp.cmd.Start()
	if gp.stdoutW != nil {
		_ = gp.stdoutW.Close()
	}
	if err != nil {
		if gp.stdout != nil {
			_ = gp.stdout.Close()
		}
		gp.setState(ProcessStateFailed)
		return fmt.Errorf("failed to start %s: %w", gp.bin, err)
	}

	gp.startTime = time.Now()
	gp.setState(ProcessStateRunning)

	gp.logger.Debug().
		Int("pid", gp.cmd.Process.Pid).
		Str("args", strings.Join(gp.cmd.Args[1:], " ")).
		Msg("GStreamer process started")

	go gp.monitorStderr()
	go gp.monitorProcess()

	return nil
}

// Stdin returns the PCM input of a sink process.
func (gp *GStreamerProcess) Stdin() io.WriteCloser { return gp.stdin }

// Stdout returns the PCM output of a decoder process.
func (gp *GStreamerProcess) Stdout() io.ReadCloser { return gp.stdout }

// Exited is closed when the process has exited.
func (gp *GStreamerProcess) Exited() <-chan struct{} { return gp.exited }

// Stop closes stdin, asks the process to stop and kills it if it has not
// exited after timeout.
func (gp *GStreamerProcess) Stop(timeout time.Duration) error {
	gp.mu.Lock()
	switch gp.state {
	case ProcessStateIdle:
		gp.setState(ProcessStateStopped)
		gp.mu.Unlock()
		gp.cancel()
		return nil
	case ProcessStateStopped, ProcessStateFailed, ProcessStateStopping:
		gp.mu.Unlock()
		gp.cancel()
		return nil
	}
	gp.setState(ProcessStateStopping)
	gp.mu.Unlock()

	if gp.stdin != nil {
		_ = gp.stdin.Close()
	}
	if gp.cmd.Process != nil {
		if err := gp.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
			gp.logger.Debug().Err(err).Msg("failed to send interrupt signal")
		}
	}

	select {
	case <-gp.exited:
	case <-time.After(timeout):
		gp.logger.Warn().Msg("graceful shutdown timeout, force killing")
		gp.cancel()
		<-gp.exited
	}
	gp.cancel()
	<-gp.outputDone
	if gp.stdout != nil {
		_ = gp.stdout.Close()
	}
	return nil
}

// Kill terminates the process immediately without waiting.
func (gp *GStreamerProcess) Kill() {
	gp.mu.Lock()
	if gp.state == ProcessStateRunning || gp.state == ProcessStateStarting {
		gp.setState(ProcessStateStopping)
	}
	gp.mu.Unlock()
	gp.cancel()
	if gp.stdout != nil {
		_ = gp.stdout.Close()
	}
}

// GetState returns the current process state
func (gp *GStreamerProcess) GetState() ProcessState {
	gp.mu.RLock()
	defer gp.mu.RUnlock()
	return gp.state
}

// GetPID returns the process ID
func (gp *GStreamerProcess) GetPID() int {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	if gp.cmd != nil && gp.cmd.Process != nil {
		return gp.cmd.Process.Pid
	}
	return 0
}

// GetTelemetry returns a copy of the current telemetry
func (gp *GStreamerProcess) GetTelemetry() *GStreamerTelemetry {
	gp.telemetry.mu.RLock()
	defer gp.telemetry.mu.RUnlock()

	return &GStreamerTelemetry{
		PipelineState: gp.telemetry.PipelineState,
		UnderrunCount: gp.telemetry.UnderrunCount,
		LastWarning:   gp.telemetry.LastWarning,
		LastError:     gp.telemetry.LastError,
	}
}

// GetUptime returns how long the process has been running
func (gp *GStreamerProcess) GetUptime() time.Duration {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	if gp.startTime.IsZero() {
		return 0
	}
	return time.Since(gp.startTime)
}

func (gp *GStreamerProcess) setState(state ProcessState) {
	gp.state = state
	gp.logger.Trace().Str("state", string(state)).Msg("process state changed")
}

func (gp *GStreamerProcess) monitorStderr() {
	defer close(gp.outputDone)

	scanner := bufio.NewScanner(gp.stderr)
	for scanner.Scan() {
		gp.parseOutputLine(scanner.Text(), "stderr")
	}
}

func (gp *GStreamerProcess) monitorProcess() {
	// Wait closes the pipes, so let stderr drain first.
	<-gp.outputDone
	err := gp.cmd.Wait()

	gp.mu.Lock()
	stopping := gp.state == ProcessStateStopping
	if err != nil && !stopping {
		gp.exitError = err
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			gp.exitCode = exitErr.ExitCode()
		} else {
			gp.exitCode = 1
		}
		gp.setState(ProcessStateFailed)
		gp.logger.Debug().
			Err(err).
			Int("exit_code", gp.exitCode).
			Msg("GStreamer process exited with error")
	} else {
		gp.exitCode = 0
		gp.setState(ProcessStateStopped)
	}
	code := gp.exitCode
	gp.mu.Unlock()

	close(gp.exited)
	if gp.onExit != nil {
		gp.onExit(code, gp.exitError)
	}
}

func (gp *GStreamerProcess) parseOutputLine(line, source string) {
	gp.logger.Trace().
		Str("source", source).
		Str("line", line).
		Msg("gst output")

	if matches := stateChangeRegex.FindStringSubmatch(line); matches != nil {
		gp.telemetry.mu.Lock()
		gp.telemetry.PipelineState = matches[1]
		gp.telemetry.mu.Unlock()
	}

	if matches := errorRegex.FindStringSubmatch(line); matches != nil {
		gp.telemetry.mu.Lock()
		gp.telemetry.LastError = strings.TrimSpace(matches[1])
		gp.telemetry.mu.Unlock()

		gp.logger.Debug().
			Str("error", matches[1]).
			Msg("GStreamer error")
	}

	if matches := warningRegex.FindStringSubmatch(line); matches != nil {
		gp.telemetry.mu.Lock()
		gp.telemetry.LastWarning = strings.TrimSpace(matches[1])
		gp.telemetry.mu.Unlock()
	}

	if underrunRegex.MatchString(line) {
		gp.telemetry.mu.Lock()
		gp.telemetry.UnderrunCount++
		gp.telemetry.mu.Unlock()
	}
}

// PCMFormat describes the raw audio exchanged with GStreamer.
type PCMFormat struct {
	SampleRate int
	Channels   int
}

// DefaultPCMFormat is 44.1 kHz stereo S16LE.
var DefaultPCMFormat = PCMFormat{SampleRate: 44100, Channels: 2}

// BytesPerSecond returns the S16LE byte rate.
func (f PCMFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

func (f PCMFormat) caps() string {
	return fmt.Sprintf("audio/x-raw,format=S16LE,layout=interleaved,rate=%d,channels=%d", f.SampleRate, f.Channels)
}

// DecoderArgs builds the gst-launch arguments that decode uri to PCM on
// stdout. -q keeps stdout free of diagnostics.
func DecoderArgs(uri string, f PCMFormat) []string {
	return []string{
		"-q",
		"uridecodebin", "uri=" + uri,
		"!", "audioconvert",
		"!", "audioresample",
		"!", f.caps(),
		"!", "fdsink", "fd=1",
	}
}

// SinkArgs builds the gst-launch arguments that play PCM read from stdin on
// sinkElement (autoaudiosink when empty).
func SinkArgs(sinkElement string, f PCMFormat) []string {
	if sinkElement == "" {
		sinkElement = "autoaudiosink"
	}
	args := []string{
		"fdsrc", "fd=0",
		"!", "rawaudioparse", "use-sink-caps=false", "format=pcm", "pcm-format=s16le",
		fmt.Sprintf("sample-rate=%d", f.SampleRate),
		fmt.Sprintf("num-channels=%d", f.Channels),
		"!", "audioconvert",
		"!", "audioresample",
		"!",
	}
	return append(args, strings.Fields(sinkElement)...)
}
