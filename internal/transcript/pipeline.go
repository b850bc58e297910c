// Package transcript merges live captions and backend-confirmed segments
// into one ordered, de-duplicated transcript timeline.
package transcript

import (
	"net/url"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Vasu1712/meetsync/internal/clock"
	"github.com/Vasu1712/meetsync/internal/hub"
	"github.com/Vasu1712/meetsync/internal/metrics"
	"github.com/Vasu1712/meetsync/internal/models"
	"github.com/Vasu1712/meetsync/internal/ws"
)

// DefaultHistoryLimit is the number of captions kept in the history.
const DefaultHistoryLimit = 50

// segmentNamespace seeds derived ids for segments the server sent without one.
var segmentNamespace = uuid.MustParse("6f1c1c7e-3b9a-4d52-9a57-5b0e8f0b7a21")

// UpdateKind says what changed in an Update.
type UpdateKind int

const (
	SegmentsAdded UpdateKind = iota
	CaptionReceived
	TranscriptionStarted
	TranscriptionStopped
	ServerError
)

// Update is published after every change to the pipeline.
type Update struct {
	Kind     UpdateKind
	Segments []models.Segment // newly inserted, for SegmentsAdded
	Caption  models.CaptionEntry
	Error    string
}

// Options configures a Pipeline.
type Options struct {
	HistoryLimit int
	Clock        clock.Clock
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	// Persist receives every segment inserted from the network. It runs on
	// the loop and must not block.
	Persist func(models.Segment)
}

// Pipeline owns the transcript timeline. All methods must run on the loop
// that drives its connection.
type Pipeline struct {
	conn *ws.Manager
	opts Options
	log  *zap.Logger

	segments   []models.Segment
	ids        map[string]struct{}
	keys       map[string]struct{} // DeriveID of every stored segment
	speakers   []string
	speakerSet map[string]struct{}
	captions   []models.CaptionEntry
	live       *models.CaptionEntry
	running    bool
	lastError  string

	updates hub.Feed[Update]
	dispose func()
}

// NewPipeline returns an empty pipeline fed by conn.
func NewPipeline(conn *ws.Manager, opts Options) *Pipeline {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		conn:       conn,
		opts:       opts,
		log:        logger.Named("transcript"),
		ids:        make(map[string]struct{}),
		keys:       make(map[string]struct{}),
		speakerSet: make(map[string]struct{}),
	}
	p.dispose = conn.Subscribe(ws.Handlers{OnMessage: p.handle})
	return p
}

// Endpoint is the transcript socket URL of a meeting.
func Endpoint(base, meetingID string) (string, error) {
	return ws.Endpoint(base, "/ws/transcript/"+url.PathEscape(meetingID), nil)
}

// Connect opens the transcript socket of a meeting.
func (p *Pipeline) Connect(base, meetingID string) error {
	endpoint, err := Endpoint(base, meetingID)
	if err != nil {
		return err
	}
	p.conn.Connect(endpoint)
	return nil
}

// Disconnect closes the transcript socket. The timeline is kept.
func (p *Pipeline) Disconnect() {
	p.conn.Disconnect()
}

// Close disconnects and detaches the pipeline from its connection.
func (p *Pipeline) Close() {
	p.conn.Disconnect()
	if p.dispose != nil {
		p.dispose()
		p.dispose = nil
	}
}

// Subscribe registers fn for every Update.
func (p *Pipeline) Subscribe(fn func(Update)) (dispose func()) {
	return p.updates.Subscribe(fn)
}

// Insert adds seg to the timeline unless its id is already present. It
// reports whether the segment was new.
func (p *Pipeline) Insert(seg models.Segment) bool {
	stored, ok := p.insert(seg)
	if !ok {
		return false
	}
	p.added([]models.Segment{stored}, true)
	return true
}

// InsertBatch inserts every segment and returns how many were new.
func (p *Pipeline) InsertBatch(segs []models.Segment) int {
	return p.insertAll(segs, true)
}

// ApplySnapshot merges a full transcript into the timeline. Segments already
// present are left alone, so a snapshot never removes anything.
func (p *Pipeline) ApplySnapshot(segs []models.Segment) int {
	return p.insertAll(segs, true)
}

// Restore merges segments loaded from local storage without handing them
// back to the persistence hook.
func (p *Pipeline) Restore(segs []models.Segment) int {
	return p.insertAll(segs, false)
}

// Segments returns a copy of the timeline, ordered by start time.
func (p *Pipeline) Segments() []models.Segment {
	out := make([]models.Segment, len(p.segments))
	copy(out, p.segments)
	return out
}

// Speakers returns every speaker seen so far in first-seen order.
func (p *Pipeline) Speakers() []string {
	out := make([]string, len(p.speakers))
	copy(out, p.speakers)
	return out
}

// Captions returns the caption history, oldest first.
func (p *Pipeline) Captions() []models.CaptionEntry {
	out := make([]models.CaptionEntry, len(p.captions))
	copy(out, p.captions)
	return out
}

// LiveCaption returns the most recent caption, if any.
func (p *Pipeline) LiveCaption() (models.CaptionEntry, bool) {
	if p.live == nil {
		return models.CaptionEntry{}, false
	}
	return *p.live, true
}

// Running reports whether the backend announced that transcription is on.
func (p *Pipeline) Running() bool { return p.running }

// LastError returns the last error the server reported, if any.
func (p *Pipeline) LastError() string { return p.lastError }

type outboundCaption struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Speaker string `json:"speaker"`
	IsFinal bool   `json:"is_final"`
}

// SendCaption relays a caption to the other participants. The server echoes
// it back to everyone; when it cannot be sent a final caption is recorded
// locally instead.
func (p *Pipeline) SendCaption(text, speaker string, final bool) bool {
	sent := p.conn.Send(outboundCaption{Type: "caption", Text: text, Speaker: speaker, IsFinal: final})
	if !sent && final {
		p.addCaption(speaker, text)
	}
	return sent
}

func (p *Pipeline) insertAll(segs []models.Segment, persist bool) int {
	var added []models.Segment
	for _, seg := range segs {
		if stored, ok := p.insert(seg); ok {
			added = append(added, stored)
		}
	}
	if len(added) > 0 {
		p.added(added, persist)
	}
	return len(added)
}

func (p *Pipeline) insert(seg models.Segment) (models.Segment, bool) {
	key := DeriveID(seg)
	if seg.ID == "" {
		seg.ID = key
	}
	if _, ok := p.ids[seg.ID]; ok {
		return seg, false
	}
	if _, ok := p.keys[key]; ok {
		return seg, false
	}
	p.ids[seg.ID] = struct{}{}
	p.keys[key] = struct{}{}
	// first index with a later start keeps equal starts in arrival order
	i := sort.Search(len(p.segments), func(i int) bool { return p.segments[i].Start > seg.Start })
	p.segments = append(p.segments, models.Segment{})
	copy(p.segments[i+1:], p.segments[i:])
	p.segments[i] = seg
	p.addSpeaker(seg.Speaker)
	return seg, true
}

// DeriveID returns a stable id built from a segment's speaker, times and
// text. It names segments that arrived without an id and matches them
// against the same utterance delivered later under a server id.
func DeriveID(seg models.Segment) string {
	key := seg.Speaker + "|" +
		strconv.FormatFloat(seg.Start, 'f', 3, 64) + "|" +
		strconv.FormatFloat(seg.End, 'f', 3, 64) + "|" +
		seg.Text
	return uuid.NewSHA1(segmentNamespace, []byte(key)).String()
}

func (p *Pipeline) added(segs []models.Segment, persist bool) {
	p.opts.Metrics.SetTranscriptSegments(len(p.segments))
	if persist && p.opts.Persist != nil {
		for _, seg := range segs {
			p.opts.Persist(seg)
		}
	}
	p.updates.Publish(Update{Kind: SegmentsAdded, Segments: segs})
}

func (p *Pipeline) addSpeaker(name string) {
	if name == "" {
		return
	}
	if _, ok := p.speakerSet[name]; ok {
		return
	}
	p.speakerSet[name] = struct{}{}
	p.speakers = append(p.speakers, name)
}

func (p *Pipeline) addCaption(speaker, text string) {
	entry := models.CaptionEntry{
		ID:        uuid.NewString(),
		Text:      text,
		Speaker:   speaker,
		Timestamp: p.opts.Clock.Now(),
	}
	p.captions = append(p.captions, entry)
	if over := len(p.captions) - p.opts.HistoryLimit; over > 0 {
		p.captions = append(p.captions[:0], p.captions[over:]...)
	}
	p.live = &entry
	p.addSpeaker(speaker)
	p.updates.Publish(Update{Kind: CaptionReceived, Caption: entry})
}
