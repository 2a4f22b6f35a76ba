package mediaengine

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestGStreamerProcess_InitialState(t *testing.T) {
	process := NewGStreamerProcess(context.Background(), GStreamerProcessConfig{
		ID:   "test-process",
		Args: []string{"fakesrc", "!", "fakesink"},
	}, zerolog.Nop())

	if process.GetState() != ProcessStateIdle {
		t.Errorf("Initial state = %s, want %s", process.GetState(), ProcessStateIdle)
	}
	if pid := process.GetPID(); pid != 0 {
		t.Errorf("GetPID() before start = %d, want 0", pid)
	}
	if uptime := process.GetUptime(); uptime != 0 {
		t.Errorf("GetUptime() before start = %v, want 0", uptime)
	}
	if err := process.Stop(time.Second); err != nil {
		t.Errorf("Stop() before start = %v", err)
	}
	if process.GetState() != ProcessStateStopped {
		t.Errorf("state after Stop = %s", process.GetState())
	}
}

func TestGStreamerProcess_Pipes(t *testing.T) {
	process := NewGStreamerProcess(context.Background(), GStreamerProcessConfig{
		ID:         "test-pipes",
		PipeStdin:  true,
		PipeStdout: true,
	}, zerolog.Nop())
	if process.Stdin() == nil || process.Stdout() == nil {
		t.Fatal("requested pipes not created")
	}

	bare := NewGStreamerProcess(context.Background(), GStreamerProcessConfig{ID: "bare"}, zerolog.Nop())
	if bare.Stdin() != nil || bare.Stdout() != nil {
		t.Fatal("unrequested pipes created")
	}
}

func TestGStreamerProcess_ParseOutput(t *testing.T) {
	process := NewGStreamerProcess(context.Background(), GStreamerProcessConfig{ID: "test-parse"}, zerolog.Nop())

	process.parseOutputLine("Setting pipeline to PLAYING ...", "stderr")
	process.parseOutputLine("ERROR: from element /GstPipeline:pipeline0/GstURIDecodeBin:uridecodebin0: Could not resolve server name.", "stderr")
	process.parseOutputLine(`WARNING: erroneous pipeline: no element "fakesource"`, "stderr")
	process.parseOutputLine("WARN queue :0:: queue0: underrun, consider increasing buffer size", "stderr")

	tel := process.GetTelemetry()
	if tel.PipelineState != "PLAYING" {
		t.Errorf("PipelineState = %q, want PLAYING", tel.PipelineState)
	}
	if !strings.Contains(tel.LastError, "Could not resolve server name") {
		t.Errorf("LastError = %q", tel.LastError)
	}
	if !strings.Contains(tel.LastWarning, "erroneous pipeline") {
		t.Errorf("LastWarning = %q", tel.LastWarning)
	}
	if tel.UnderrunCount != 1 {
		t.Errorf("UnderrunCount = %d, want 1", tel.UnderrunCount)
	}
}

func TestGStreamerProcess_RunsCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	exited := make(chan int, 1)
	process := NewGStreamerProcess(context.Background(), GStreamerProcessConfig{
		ID:         "test-run",
		Bin:        "sh",
		Args:       []string{"-c", "echo 'Setting pipeline to PLAYING' >&2; printf pcm"},
		PipeStdout: true,
		OnExit:     func(code int, _ error) { exited <- code },
	}, zerolog.Nop())

	if err := process.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := process.Start(); err == nil {
		t.Fatal("second Start succeeded")
	}

	buf := make([]byte, 3)
	if _, err := process.Stdout().Read(buf); err != nil || string(buf) != "pcm" {
		t.Fatalf("stdout = %q, %v", buf, err)
	}

	select {
	case code := <-exited:
		if code != 0 {
			t.Fatalf("exit code %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited")
	}
	<-process.Exited()
	if process.GetState() != ProcessStateStopped {
		t.Fatalf("state = %s, want stopped", process.GetState())
	}
	if process.GetTelemetry().PipelineState != "PLAYING" {
		t.Fatal("stderr not parsed")
	}
}

func TestDecoderArgs(t *testing.T) {
	args := DecoderArgs("https://cdn.example.com/a.mp3", DefaultPCMFormat)
	got := strings.Join(args, " ")
	want := "-q uridecodebin uri=https://cdn.example.com/a.mp3 ! audioconvert ! audioresample ! audio/x-raw,format=S16LE,layout=interleaved,rate=44100,channels=2 ! fdsink fd=1"
	if got != want {
		t.Fatalf("DecoderArgs =\n%s\nwant\n%s", got, want)
	}
}

func TestSinkArgs(t *testing.T) {
	tests := []struct {
		sink string
		tail string
	}{
		{"", "! autoaudiosink"},
		{"pulsesink", "! pulsesink"},
		{"alsasink device=hw:1", "! alsasink device=hw:1"},
	}
	for _, tt := range tests {
		got := strings.Join(SinkArgs(tt.sink, PCMFormat{SampleRate: 48000, Channels: 2}), " ")
		if !strings.HasPrefix(got, "fdsrc fd=0 ! rawaudioparse") {
			t.Errorf("SinkArgs(%q) = %s", tt.sink, got)
		}
		if !strings.Contains(got, "sample-rate=48000 num-channels=2") {
			t.Errorf("SinkArgs(%q) missing format: %s", tt.sink, got)
		}
		if !strings.HasSuffix(got, tt.tail) {
			t.Errorf("SinkArgs(%q) = %s, want suffix %q", tt.sink, got, tt.tail)
		}
	}
}

func TestPCMFormatBytesPerSecond(t *testing.T) {
	if got := DefaultPCMFormat.BytesPerSecond(); got != 176400 {
		t.Fatalf("BytesPerSecond() = %d, want 176400", got)
	}
}
