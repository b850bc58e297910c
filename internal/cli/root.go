// Package cli holds the meetsync cobra commands.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Vasu1712/meetsync/internal/config"
	"github.com/Vasu1712/meetsync/internal/logging"
)

var (
	configPath string
	logLevel   string
	meetingID  string
	userName   string
)

var rootCmd = &cobra.Command{
	Use:   "meetsync",
	Short: "Meeting client sync layer: live sockets, lobby, audio upload, captions",
	Long: `Joins a meeting as a participant or host, keeps the event, transcript and
lobby sockets alive, uploads microphone audio in chunks and shows live captions.
Commands: join, host, transcript, doctor.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the log level (debug, info, warn, error)")

	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(transcriptCmd)
	rootCmd.AddCommand(doctorCmd)
}

// Execute runs the root command and returns the error (for main to log.Fatal).
func Execute() error {
	return rootCmd.Execute()
}

// setup loads the config, applies command-line overrides and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if meetingID != "" {
		cfg.Meeting.ID = meetingID
	}
	if userName != "" {
		cfg.Meeting.Name = userName
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func addMeetingFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&meetingID, "meeting", "m", "", "meeting id (MEETSYNC_MEETING_ID)")
	cmd.Flags().StringVarP(&userName, "name", "n", "", "display name (MEETSYNC_NAME)")
}
