package audio

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"livenote/internal/ports"
)

func TestFFmpegCaptureStartReadAndStop(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "capture.sh", "#!/usr/bin/env bash\nprintf 'hello'\nsleep 2\n")
	capture := NewFFmpegCapture(script, WithStartupGrace(50*time.Millisecond))

	session, err := capture.Start(context.Background(), ports.AudioConfig{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	buf := make([]byte, 8)
	n, readErr := session.Read(buf)
	if n <= 0 {
		t.Fatalf("expected audio bytes, got n=%d err=%v", n, readErr)
	}
	if !strings.Contains(string(buf[:n]), "hello") {
		t.Fatalf("unexpected bytes: %q", string(buf[:n]))
	}

	if err := session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := session.Stop(); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
}

func TestFFmpegCaptureEarlyExitIsUnavailable(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho 'permission denied' 1>&2\nexit 1\n")
	capture := NewFFmpegCapture(script)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := capture.Start(ctx, ports.AudioConfig{})
	if !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("expected ErrCaptureUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("expected stderr detail in error: %v", err)
	}
}

func TestFFmpegCaptureMissingBinary(t *testing.T) {
	t.Parallel()

	capture := NewFFmpegCapture(filepath.Join(t.TempDir(), "no-such-ffmpeg"))
	_, err := capture.Start(context.Background(), ports.AudioConfig{})
	if !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("expected ErrCaptureUnavailable, got %v", err)
	}
}

func TestCaptureArgsApplyDefaults(t *testing.T) {
	t.Parallel()

	args := strings.Join(captureArgs(ports.AudioConfig{Channels: 2, InputFormat: "alsa", InputDevice: "hw:1"}), " ")
	for _, want := range []string{"-f alsa", "-i hw:1", "-ac 2", "-ar 16000", "-f s16le"} {
		if !strings.Contains(args, want) {
			t.Fatalf("expected %q in %q", want, args)
		}
	}
}

func TestIgnoreExitStatus(t *testing.T) {
	t.Parallel()

	err := exec.Command("bash", "-c", "exit 1").Run()
	if err == nil {
		t.Fatalf("expected command to fail")
	}
	if got := ignoreExitStatus(err); got != nil {
		t.Fatalf("expected nil for exit error, got %v", got)
	}
	other := errors.New("boom")
	if got := ignoreExitStatus(other); got != other {
		t.Fatalf("expected passthrough, got %v", got)
	}
}

func writeScript(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o700); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}
