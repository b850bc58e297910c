// Package api is a small client for the meeting backend's REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Vasu1712/meetsync/internal/models"
)

// ErrNotFound is returned when the backend answers 404.
var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx backend response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// Client talks to the backend at BaseURL.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	log     *zap.Logger
}

// NewClient returns a client with a 30 second request timeout.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		log:     logger.Named("api"),
	}
}

// JoinMeeting asks to join meetingID under displayName. The returned
// participant id is used to wait in the lobby.
func (c *Client) JoinMeeting(ctx context.Context, meetingID, displayName string) (*models.JoinResult, error) {
	body, err := json.Marshal(map[string]string{"display_name": displayName})
	if err != nil {
		return nil, err
	}
	var out models.JoinResult
	if err := c.do(ctx, http.MethodPost, "/api/meetings/"+url.PathEscape(meetingID)+"/join", "application/json", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	if out.ParticipantID == "" {
		return nil, fmt.Errorf("join %s: response has no participant id", meetingID)
	}
	return &out, nil
}

// GetMeeting fetches one meeting.
func (c *Client) GetMeeting(ctx context.Context, meetingID string) (*models.Meeting, error) {
	var out models.Meeting
	if err := c.do(ctx, http.MethodGet, "/api/meetings/"+url.PathEscape(meetingID), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Participants lists everyone admitted to the meeting.
func (c *Client) Participants(ctx context.Context, meetingID string) ([]models.RosterEntry, error) {
	var raw []struct {
		ID          string     `json:"id"`
		DisplayName string     `json:"display_name"`
		IsActive    bool       `json:"is_active"`
		JoinedAt    *time.Time `json:"joined_at"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/meetings/"+url.PathEscape(meetingID)+"/participants", "", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]models.RosterEntry, 0, len(raw))
	for _, p := range raw {
		if !p.IsActive {
			continue
		}
		entry := models.RosterEntry{ID: p.ID, Name: p.DisplayName}
		if p.JoinedAt != nil {
			entry.JoinedAt = *p.JoinedAt
		}
		out = append(out, entry)
	}
	return out, nil
}

// EndMeeting ends the meeting for everyone. Only the host may call it.
func (c *Client) EndMeeting(ctx context.Context, meetingID string) (*models.EndResult, error) {
	var out models.EndResult
	if err := c.do(ctx, http.MethodPost, "/api/meetings/"+url.PathEscape(meetingID)+"/end", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTranscript fetches every confirmed segment of the meeting.
func (c *Client) GetTranscript(ctx context.Context, meetingID string) (*models.Transcript, error) {
	var out models.Transcript
	if err := c.do(ctx, http.MethodGet, "/api/transcriptions/"+url.PathEscape(meetingID), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadChunk posts one WAV chunk as multipart form data.
func (c *Client) UploadChunk(ctx context.Context, meetingID, participant string, chunk models.AudioChunk) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", "chunk.wav")
	if err != nil {
		return err
	}
	if _, err := fw.Write(chunk.Data); err != nil {
		return err
	}
	fields := []struct{ k, v string }{
		{"meeting_id", meetingID},
		{"participant_name", participant},
		{"timestamp_offset", strconv.FormatFloat(chunk.Offset, 'f', -1, 64)},
		{"sequence", strconv.Itoa(chunk.Sequence)},
		{"chunk_id", chunk.ID},
	}
	for _, f := range fields {
		if err := mw.WriteField(f.k, f.v); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/transcriptions/"+url.PathEscape(meetingID)+"/chunk", mw.FormDataContentType(), &buf, nil)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Detail: detail(resp.Body)}
		c.log.Debug("backend request failed", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
		return serr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// detail extracts the backend's {"detail": "..."} message, if any.
func detail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil && len(body.Detail) > 0 {
		var s string
		if json.Unmarshal(body.Detail, &s) == nil {
			return s
		}
		return string(body.Detail)
	}
	return strings.TrimSpace(string(data))
}
