package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Vasu1712/meetsync/internal/audio"
	"github.com/Vasu1712/meetsync/internal/config"
	"github.com/Vasu1712/meetsync/internal/storage"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check prerequisites",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if !checkPrerequisites(cmd.Context(), cmd.OutOrStdout(), cfg) {
			return fmt.Errorf("some prerequisites are missing")
		}
		return nil
	},
}

func check(w io.Writer, name string, ok bool, detail string) {
	mark := "ok"
	if !ok {
		mark = "FAIL"
	}
	fmt.Fprintf(w, "  [%-4s] %-18s %s\n", mark, name, detail)
}

func checkPrerequisites(ctx context.Context, w io.Writer, cfg *config.Config) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	ok := true

	if cfg.Audio.Enabled || cfg.Captions.Enabled {
		rec := audio.FFmpegRecorder{Path: cfg.Audio.FFmpegPath}
		if err := rec.CheckFFmpeg(); err != nil {
			check(w, "ffmpeg", false, err.Error())
			ok = false
		} else {
			check(w, "ffmpeg", true, "installed")
		}
	} else {
		check(w, "ffmpeg", true, "not needed (audio and captions disabled)")
	}

	check(w, "Backend", true, cfg.Server.APIURL)
	if cfg.Captions.Enabled {
		check(w, "Recognizer", true, cfg.Captions.RecognizerURL)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := storage.Open(sctx, storage.Options{
		Backend:     cfg.Storage.Backend,
		ValkeyAddr:  cfg.Storage.ValkeyAddr,
		PostgresDSN: cfg.Storage.PostgresDSN,
	})
	if err != nil {
		check(w, "Transcript store", false, err.Error())
		ok = false
	} else {
		_ = store.Close()
		check(w, "Transcript store", true, cfg.Storage.Backend)
	}
	return ok
}
