package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Vasu1712/meetsync/internal/api"
	"github.com/Vasu1712/meetsync/internal/models"
)

var transcriptJSON bool

var transcriptCmd = &cobra.Command{
	Use:   "transcript",
	Short: "Print a meeting's transcript from the backend",
	RunE:  runTranscript,
}

func init() {
	addMeetingFlags(transcriptCmd)
	transcriptCmd.Flags().BoolVar(&transcriptJSON, "json", false, "print the raw transcript as JSON")
}

func runTranscript(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if cfg.Meeting.ID == "" {
		return fmt.Errorf("meeting id is required (--meeting or MEETSYNC_MEETING_ID)")
	}

	tr, err := api.NewClient(cfg.Server.APIURL, logger).GetTranscript(cmd.Context(), cfg.Meeting.ID)
	if err != nil {
		return fmt.Errorf("fetching transcript: %w", err)
	}
	out := cmd.OutOrStdout()
	if out == nil {
		out = os.Stdout
	}
	if transcriptJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(tr)
	}
	return printTranscript(out, tr)
}

func printTranscript(w io.Writer, tr *models.Transcript) error {
	segs := append([]models.Segment(nil), tr.Segments...)
	models.SortSegments(segs)
	if len(segs) == 0 {
		_, err := fmt.Fprintln(w, "No transcript segments yet.")
		return err
	}
	for _, s := range segs {
		if _, err := fmt.Fprintf(w, "[%s] %s: %s\n", clockTime(s.Start), s.Speaker, s.Text); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "\n%d segments, %s\n", len(segs), clockTime(tr.TotalDuration))
	return err
}

// clockTime formats seconds as mm:ss, or h:mm:ss past an hour.
func clockTime(sec float64) string {
	total := int(sec)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
