package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Vasu1712/meetsync/internal/api"
	"github.com/Vasu1712/meetsync/internal/audio"
	"github.com/Vasu1712/meetsync/internal/captions"
	"github.com/Vasu1712/meetsync/internal/config"
	"github.com/Vasu1712/meetsync/internal/control"
	"github.com/Vasu1712/meetsync/internal/hub"
	"github.com/Vasu1712/meetsync/internal/meeting"
	"github.com/Vasu1712/meetsync/internal/metrics"
	"github.com/Vasu1712/meetsync/internal/storage"
	"github.com/Vasu1712/meetsync/internal/ws"
)

const shutdownTimeout = 15 * time.Second

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a meeting and stay connected until it ends or Ctrl+C",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd.Context(), "")
	},
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run a meeting as its host: start immediately and admit the lobby",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd.Context(), "host")
	},
}

func init() {
	addMeetingFlags(joinCmd)
	addMeetingFlags(hostCmd)
}

func runSession(parent context.Context, forceRole string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if forceRole != "" {
		cfg.Meeting.Role = forceRole
	}
	role, _ := meeting.ParseRole(cfg.Meeting.Role)
	if cfg.Meeting.ID == "" {
		return errors.New("meeting id is required (--meeting or MEETSYNC_MEETING_ID)")
	}
	if cfg.Meeting.Name == "" {
		return errors.New("display name is required (--name or MEETSYNC_NAME)")
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	client := api.NewClient(cfg.Server.APIURL, logger)

	store, err := storage.Open(ctx, storage.Options{
		Backend:     cfg.Storage.Backend,
		ValkeyAddr:  cfg.Storage.ValkeyAddr,
		PostgresDSN: cfg.Storage.PostgresDSN,
	})
	if err != nil {
		return fmt.Errorf("opening transcript store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close transcript store", zap.Error(err))
		}
	}()

	opts, err := sessionOptions(cfg, role, logger, m)
	if err != nil {
		return err
	}
	opts.Store = store

	loop := hub.NewLoop()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go loop.Run(loopCtx)

	var (
		lc     *meeting.Lifecycle
		newErr error
	)
	if err := loop.Do(ctx, func() { lc, newErr = meeting.New(loop, client, opts) }); err != nil {
		return err
	}
	if newErr != nil {
		return newErr
	}

	if cfg.Control.Addr != "" {
		srv, err := startControl(ctx, cfg, loop, lc, reg, logger)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	ended := make(chan struct{})
	var once sync.Once
	var joinErr error
	err = loop.Do(ctx, func() {
		lc.Subscribe(func(s meeting.State) {
			if s.Status == meeting.StatusEnded {
				once.Do(func() { close(ended) })
			}
		})
		joinErr = lc.Join()
	})
	if err == nil {
		err = joinErr
	}
	if err != nil {
		return fmt.Errorf("joining meeting: %w", err)
	}
	logger.Info("Session started",
		zap.String("meeting_id", cfg.Meeting.ID),
		zap.String("name", cfg.Meeting.Name),
		zap.Stringer("role", role),
	)

	select {
	case <-ctx.Done():
		logger.Info("Leaving meeting")
		_ = loop.Do(context.Background(), lc.Leave)
	case <-ended:
		logger.Info("Meeting ended")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := lc.Shutdown(sctx); err != nil {
		logger.Warn("Shutdown incomplete", zap.Error(err))
	}
	return nil
}

// sessionOptions maps the config onto lifecycle options, including the
// ffmpeg recorder and the streaming recognizer when enabled.
func sessionOptions(cfg *config.Config, role meeting.Role, logger *zap.Logger, m *metrics.Metrics) (meeting.Options, error) {
	dialer := ws.GorillaDialer{Dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.Socket.HandshakeTimeout,
	}}

	opts := meeting.Options{
		MeetingID: cfg.Meeting.ID,
		Name:      cfg.Meeting.Name,
		Role:      role,
		WSBase:    cfg.Server.WSURL,
		Socket: ws.Options{
			ReconnectInterval:    cfg.Socket.ReconnectInterval,
			MaxReconnectInterval: cfg.Socket.MaxReconnectInterval,
			DisableReconnect:     !cfg.Socket.AutoReconnect,
			MaxRetries:           cfg.Socket.MaxRetries,
			Dialer:               dialer,
		},
		Audio: audio.Options{
			ChunkDuration: cfg.Audio.ChunkDuration,
			MinChunkBytes: cfg.Audio.MinChunkBytes,
			RetryDelay:    cfg.Audio.RetryDelay,
		},
		Captions: captions.Options{
			RestartDelay:      cfg.Captions.RestartDelay,
			ErrorRestartDelay: cfg.Captions.ErrorRestartDelay,
			HistoryLimit:      cfg.Captions.History,
		},
		Logger:  logger,
		Metrics: m,
	}

	if !cfg.Audio.Enabled && !cfg.Captions.Enabled {
		return opts, nil
	}
	rec := audio.FFmpegRecorder{
		Path:        cfg.Audio.FFmpegPath,
		InputFormat: cfg.Audio.InputFormat,
		Device:      cfg.Audio.Device,
		SampleRate:  cfg.Audio.SampleRate,
	}
	if err := rec.CheckFFmpeg(); err != nil {
		return opts, err
	}
	if cfg.Audio.Enabled {
		opts.Recorder = rec
	}
	if cfg.Captions.Enabled {
		opts.Recognizer = &captions.WSRecognizer{
			URL:        cfg.Captions.RecognizerURL,
			SampleRate: cfg.Audio.SampleRate,
			Dialer:     dialer,
			Source:     rec,
			Logger:     logger,
		}
	}
	return opts, nil
}

func startControl(ctx context.Context, cfg *config.Config, loop *hub.Loop, lc *meeting.Lifecycle, reg *prometheus.Registry, logger *zap.Logger) (*http.Server, error) {
	events := control.NewBroadcaster(256, logger)
	go events.Run(ctx)
	if err := loop.Do(ctx, func() { control.Attach(lc, events) }); err != nil {
		return nil, err
	}

	h := control.NewHandler(loop, lc, events, reg, cfg.Control.CORSOrigin, logger)
	srv := control.NewServer(cfg.Control.Addr, control.NewRouter(h, cfg.Control.CORSOrigin))
	go func() {
		logger.Info("Control API listening", zap.String("addr", cfg.Control.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Control API stopped", zap.Error(err))
		}
	}()
	return srv, nil
}
