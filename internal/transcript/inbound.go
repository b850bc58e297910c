package transcript

import (
	"go.uber.org/zap"

	"github.com/Vasu1712/meetsync/internal/models"
	"github.com/Vasu1712/meetsync/internal/ws"
)

type captionFrame struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// The server has sent single segments under both keys.
type segmentFrame struct {
	Segment *models.Segment `json:"segment"`
	Data    *models.Segment `json:"data"`
}

type segmentsFrame struct {
	Segments []models.Segment `json:"segments"`
	Data     []models.Segment `json:"data"`
}

type errorFrame struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (p *Pipeline) handle(in ws.Inbound) {
	if !in.Structured() {
		p.log.Debug("ignoring non-JSON transcript frame", zap.Int("len", len(in.Text)))
		return
	}
	switch in.Type {
	case "caption":
		var f captionFrame
		if err := in.Decode(&f); err != nil || f.Text == "" {
			return
		}
		if f.Speaker == "" {
			f.Speaker = "Unknown"
		}
		p.addCaption(f.Speaker, f.Text)

	case "segment":
		var f segmentFrame
		if err := in.Decode(&f); err != nil {
			p.log.Warn("malformed segment", zap.Error(err))
			return
		}
		seg := f.Segment
		if seg == nil {
			seg = f.Data
		}
		if seg == nil {
			return
		}
		p.Insert(*seg)

	case "segments":
		var f segmentsFrame
		if err := in.Decode(&f); err != nil {
			p.log.Warn("malformed segment batch", zap.Error(err))
			return
		}
		segs := f.Segments
		if segs == nil {
			segs = f.Data
		}
		n := p.InsertBatch(segs)
		p.log.Debug("segment batch", zap.Int("received", len(segs)), zap.Int("new", n))

	case "transcription_started":
		if !p.running {
			p.running = true
			p.updates.Publish(Update{Kind: TranscriptionStarted})
		}

	case "transcription_stopped":
		if p.running {
			p.running = false
			p.updates.Publish(Update{Kind: TranscriptionStopped})
		}

	case "error":
		var f errorFrame
		_ = in.Decode(&f)
		msg := f.Message
		if msg == "" {
			msg = f.Error
		}
		if msg == "" {
			msg = "transcription error"
		}
		p.lastError = msg
		p.log.Warn("server reported transcript error", zap.String("message", msg))
		p.updates.Publish(Update{Kind: ServerError, Error: msg})

	default:
		p.log.Debug("ignoring transcript message", zap.String("type", in.Type))
	}
}
