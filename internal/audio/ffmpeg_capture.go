package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"livenote/internal/ports"
)

// ErrCaptureUnavailable reports that the microphone could not be opened.
var ErrCaptureUnavailable = errors.New("audio capture unavailable")

const (
	defaultStartupGrace = 250 * time.Millisecond
	defaultStopTimeout  = 1200 * time.Millisecond
)

// FFmpegCapture streams microphone PCM (s16le) using an ffmpeg child process.
type FFmpegCapture struct {
	command      string
	startupGrace time.Duration
	stopTimeout  time.Duration
}

type FFmpegOption func(*FFmpegCapture)

// WithStartupGrace sets how long ffmpeg must stay alive before capture counts as started.
func WithStartupGrace(d time.Duration) FFmpegOption {
	return func(c *FFmpegCapture) {
		if d > 0 {
			c.startupGrace = d
		}
	}
}

func WithStopTimeout(d time.Duration) FFmpegOption {
	return func(c *FFmpegCapture) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

func NewFFmpegCapture(command string, opts ...FFmpegOption) *FFmpegCapture {
	if strings.TrimSpace(command) == "" {
		command = "ffmpeg"
	}
	c := &FFmpegCapture{
		command:      command,
		startupGrace: defaultStartupGrace,
		stopTimeout:  defaultStopTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *FFmpegCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cmd := exec.CommandContext(ctx, c.command, captureArgs(cfg)...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrCaptureUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrCaptureUnavailable, c.command, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		detail := trimOutput(stderr.String())
		if err != nil {
			return nil, fmt.Errorf("%w: ffmpeg exited before capture started: %v: %s", ErrCaptureUnavailable, err, detail)
		}
		return nil, fmt.Errorf("%w: ffmpeg exited before capture started: %s", ErrCaptureUnavailable, detail)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, ctx.Err())
	case <-time.After(c.startupGrace):
	}

	return &ffmpegSession{
		stdout:      stdout,
		stderr:      stderr,
		process:     cmd.Process,
		waitErr:     waitErr,
		stopTimeout: c.stopTimeout,
	}, nil
}

func captureArgs(cfg ports.AudioConfig) []string {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

type ffmpegSession struct {
	stdout      io.ReadCloser
	stderr      *syncBuffer
	process     *os.Process
	waitErr     <-chan error
	stopTimeout time.Duration

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegSession) Close() error {
	return s.Stop()
}

// Stop interrupts ffmpeg, escalating to kill after the stop timeout.
func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		_ = s.process.Signal(os.Interrupt)

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = ignoreExitStatus(err)
			}
		case <-time.After(s.stopTimeout):
			_ = s.process.Kill()
			if err, ok := <-s.waitErr; ok {
				s.stopErr = ignoreExitStatus(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = closeErr
		}
		if s.stopErr != nil {
			if detail := trimOutput(s.stderr.String()); detail != "" {
				s.stopErr = fmt.Errorf("%w: %s", s.stopErr, detail)
			}
		}
	})
	return s.stopErr
}

// ignoreExitStatus treats a non-zero exit after interrupt as a clean stop.
func ignoreExitStatus(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimOutput(input string) string {
	return strings.TrimSpace(input)
}

// syncBuffer guards stderr, which exec writes from its own goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
