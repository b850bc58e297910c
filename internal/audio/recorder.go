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
)

// ErrPermissionDenied is returned when the capture device refuses access.
// It is fatal for the component that hit it.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// Recorder opens capture handles on the microphone.
type Recorder interface {
	Start(ctx context.Context) (Capture, error)
}

// Capture is one open capture handle. Stop releases the device and returns
// everything captured since Start, ready to upload.
type Capture interface {
	Stop() ([]byte, error)
}

// FFmpegRecorder captures mono 16-bit PCM from the system microphone with
// ffmpeg and returns each window as a WAV file.
type FFmpegRecorder struct {
	Path        string // defaults to "ffmpeg"
	InputFormat string // avfoundation, pulse, alsa, dshow
	Device      string
	SampleRate  int
}

// CheckFFmpeg reports whether the ffmpeg binary can be found.
func (r FFmpegRecorder) CheckFFmpeg() error {
	if _, err := exec.LookPath(r.path()); err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}
	return nil
}

func (r FFmpegRecorder) path() string {
	if r.Path == "" {
		return "ffmpeg"
	}
	return r.Path
}

func (r FFmpegRecorder) rate() int {
	if r.SampleRate <= 0 {
		return 16000
	}
	return r.SampleRate
}

func (r FFmpegRecorder) command(ctx context.Context) *exec.Cmd {
	format, device := r.InputFormat, r.Device
	if format == "" {
		format = "pulse"
	}
	if device == "" {
		device = "default"
	}
	return exec.CommandContext(ctx, r.path(),
		"-hide_banner",
		"-loglevel", "error",
		"-f", format,
		"-i", device,
		"-ac", "1",
		"-ar", strconv.Itoa(r.rate()),
		"-f", "s16le",
		"pipe:1",
	)
}

func startErr(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("start ffmpeg: %w", err)
}

// Start launches ffmpeg writing raw PCM to a pipe.
func (r FFmpegRecorder) Start(ctx context.Context) (Capture, error) {
	cmd := r.command(ctx)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	c := &ffmpegCapture{cmd: cmd, rate: r.rate(), done: make(chan struct{})}
	cmd.Stderr = &c.stderr
	if err := cmd.Start(); err != nil {
		return nil, startErr(err)
	}
	go func() {
		defer close(c.done)
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				c.mu.Lock()
				c.pcm.Write(buf[:n])
				c.mu.Unlock()
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					c.mu.Lock()
					c.readErr = err
					c.mu.Unlock()
				}
				return
			}
		}
	}()
	return c, nil
}

type ffmpegCapture struct {
	cmd  *exec.Cmd
	rate int
	done chan struct{}

	mu      sync.Mutex
	pcm     bytes.Buffer
	stderr  lockedBuffer
	readErr error
	stopped bool
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const stopGrace = 2 * time.Second

// Stop interrupts ffmpeg so it flushes, then wraps the captured PCM.
func (c *ffmpegCapture) Stop() ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, nil
	}
	c.stopped = true
	c.mu.Unlock()

	_ = c.cmd.Process.Signal(os.Interrupt)
	select {
	case <-c.done:
	case <-time.After(stopGrace):
		_ = c.cmd.Process.Kill()
		<-c.done
	}
	waitErr := c.cmd.Wait()

	c.mu.Lock()
	pcm := append([]byte(nil), c.pcm.Bytes()...)
	readErr := c.readErr
	c.mu.Unlock()

	if msg := c.stderr.String(); isPermissionMessage(msg) {
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, strings.TrimSpace(msg))
	}
	if len(pcm) == 0 {
		if readErr != nil {
			return nil, readErr
		}
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			return nil, waitErr
		}
		return nil, nil
	}
	return EncodeWAV(pcm, c.rate, 1)
}

func isPermissionMessage(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "permission denied") || strings.Contains(s, "operation not permitted") ||
		strings.Contains(s, "not authorized")
}

// Open starts an independent ffmpeg process and returns its raw PCM
// stream. Closing the stream stops the process.
func (r FFmpegRecorder) Open(ctx context.Context) (io.ReadCloser, error) {
	cmd := r.command(ctx)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	s := &pcmStream{cmd: cmd, ReadCloser: stdout}
	cmd.Stderr = &s.stderr
	if err := cmd.Start(); err != nil {
		return nil, startErr(err)
	}
	return s, nil
}

type pcmStream struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr lockedBuffer
	once   sync.Once
}

func (s *pcmStream) Read(p []byte) (int, error) {
	n, err := s.ReadCloser.Read(p)
	if err != nil && isPermissionMessage(s.stderr.String()) {
		return n, ErrPermissionDenied
	}
	return n, err
}

func (s *pcmStream) Close() error {
	s.once.Do(func() {
		_ = s.cmd.Process.Kill()
		_ = s.ReadCloser.Close()
		_ = s.cmd.Wait()
	})
	return nil
}
