package captions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Vasu1712/meetsync/internal/audio"
	"github.com/Vasu1712/meetsync/internal/ws"
)

// AudioSource opens an independent PCM stream of the microphone.
type AudioSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// WSRecognizer streams microphone PCM to a streaming speech server over a
// websocket and reports its hypotheses. The server ends a session with a
// normal close after a stretch of silence.
type WSRecognizer struct {
	URL        string
	SampleRate int
	FrameBytes int
	Dialer     ws.Dialer
	Source     AudioSource
	Logger     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	conn   ws.Conn
}

type recognizerConfig struct {
	Config struct {
		SampleRate int `json:"sample_rate"`
	} `json:"config"`
}

type recognizerResult struct {
	Text    string  `json:"text"`
	Partial *string `json:"partial"`
	IsFinal *bool   `json:"is_final"`
}

// parseResult accepts both {"text","is_final"} frames and the
// {"partial"} / {"text"} style of Vosk-like servers.
func parseResult(data []byte) (Result, bool) {
	var r recognizerResult
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, false
	}
	if r.Partial != nil {
		return Result{Text: *r.Partial}, true
	}
	final := r.IsFinal == nil || *r.IsFinal
	if final && r.Text == "" {
		return Result{Final: true}, true
	}
	return Result{Text: r.Text, Final: final}, true
}

// Start opens a session in the background. Results, errors and the end of
// the session are reported through ev.
func (r *WSRecognizer) Start(ev Events) error {
	if r.URL == "" {
		return errors.New("captions: recognizer url is empty")
	}
	if r.Source == nil {
		return errors.New("captions: no audio source")
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = cancel
	r.mu.Unlock()
	go r.run(ctx, ev)
	return nil
}

// Stop ends the current session. No callbacks follow.
func (r *WSRecognizer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}

func (r *WSRecognizer) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *WSRecognizer) run(ctx context.Context, ev Events) {
	report := func(err error) {
		if ctx.Err() != nil {
			return
		}
		if err != nil && ev.OnError != nil {
			ev.OnError(err)
		}
		if ev.OnEnd != nil {
			ev.OnEnd()
		}
	}

	dialer := r.Dialer
	if dialer == nil {
		dialer = ws.GorillaDialer{}
	}
	conn, err := dialer.DialContext(ctx, r.URL)
	if err != nil {
		if ws.IsUnauthorized(err) {
			err = fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		report(err)
		return
	}
	r.mu.Lock()
	if ctx.Err() != nil {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.conn = conn
	r.mu.Unlock()
	defer conn.Close()

	src, err := r.Source.Open(ctx)
	if err != nil {
		report(sourceErr(err))
		return
	}
	defer src.Close()

	rate := r.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	var cfg recognizerConfig
	cfg.Config.SampleRate = rate
	data, _ := json.Marshal(cfg)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		report(err)
		return
	}

	srcFailed := make(chan error, 1)
	go func() {
		err := r.pump(ctx, conn, src)
		srcFailed <- err
		if errors.Is(err, audio.ErrPermissionDenied) {
			_ = conn.Close()
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case perr := <-srcFailed:
				if errors.Is(perr, audio.ErrPermissionDenied) {
					report(sourceErr(perr))
					return
				}
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				report(nil)
				return
			}
			report(err)
			return
		}
		res, ok := parseResult(msg)
		if !ok {
			r.logger().Debug("ignoring recognizer frame", zap.Int("len", len(msg)))
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if ev.OnResult != nil {
			ev.OnResult(res)
		}
	}
}

// pump copies PCM frames to the socket until the source or socket fails
// and returns the source error, if any.
func (r *WSRecognizer) pump(ctx context.Context, conn ws.Conn, src io.Reader) error {
	size := r.FrameBytes
	if size <= 0 {
		size = 3200 // 100ms at 16kHz mono
	}
	buf := make([]byte, size)
	for ctx.Err() == nil {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, audio.ErrPermissionDenied) {
				r.logger().Warn("microphone stream refused", zap.Error(err))
				return err
			}
			// ask the server to flush its final result and close
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"eof":1}`))
			return err
		}
	}
	return nil
}

func sourceErr(err error) error {
	if errors.Is(err, audio.ErrPermissionDenied) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}
