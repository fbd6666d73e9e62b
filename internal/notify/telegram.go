package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vigil/internal/database"
	"vigil/internal/events"
	"vigil/internal/frame"
	"vigil/internal/health"
	"vigil/internal/recorder"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramOptions configures the bot used for alerts
type TelegramOptions struct {
	BotToken string
	ChatID   string
	Cooldown time.Duration // minimum gap between two alerts of the same kind
	APIURL   string        // defaults to the public bot API
}

// Snapshotter returns the most recent frame, nil before the first one
type Snapshotter interface {
	Latest() (*frame.Frame, uint64)
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Telegram sends motion, clip and health alerts to a chat
type Telegram struct {
	opts       TelegramOptions
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	queue chan events.Event
	done  chan struct{}

	mu        sync.Mutex
	closed    bool
	snapshots Snapshotter
	lastSent  map[events.Type]time.Time
	stats     Stats
}

// NewTelegram validates opts and starts the sender goroutine
func NewTelegram(opts TelegramOptions) (*Telegram, error) {
	if opts.BotToken == "" || opts.ChatID == "" {
		return nil, errors.New("telegram bot token and chat id are required")
	}
	if opts.Cooldown < 0 {
		return nil, fmt.Errorf("invalid telegram cooldown: %v", opts.Cooldown)
	}
	if opts.APIURL == "" {
		opts.APIURL = defaultTelegramAPI
	}
	opts.APIURL = strings.TrimRight(opts.APIURL, "/")

	t := &Telegram{
		opts:       opts,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.With("component", "Telegram"),
		now:        time.Now,
		queue:      make(chan events.Event, queueSize),
		done:       make(chan struct{}),
		lastSent:   make(map[events.Type]time.Time),
	}
	go t.run()
	return t, nil
}

// SetSnapshotSource sets where motion alerts take their photo from.
// Each pipeline generation installs its own stream hub.
func (t *Telegram) SetSnapshotSource(s Snapshotter) {
	t.mu.Lock()
	t.snapshots = s
	t.mu.Unlock()
}

// Attach subscribes the bot to bus and returns the unsubscribe function
func (t *Telegram) Attach(bus *events.Bus) func() {
	return bus.Subscribe(events.HandlerFunc(t.OnEvent))
}

// OnEvent queues alert-worthy events; everything else is ignored
func (t *Telegram) OnEvent(ev events.Event) {
	if !alertable(ev) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- ev:
	default:
		t.stats.Dropped++
	}
}

// Close drains queued alerts and stops the sender
func (t *Telegram) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	<-t.done
	return nil
}

// Stats returns sender statistics
func (t *Telegram) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func alertable(ev events.Event) bool {
	switch ev.Type {
	case events.TypeRecordingStarted, events.TypeRecordingFinished:
		return true
	case events.TypeHealth:
		r, ok := ev.Data.(health.Report)
		return ok && r.Status == health.StatusUnhealthy
	}
	return false
}

func (t *Telegram) run() {
	defer close(t.done)
	for ev := range t.queue {
		if !t.takeCooldown(ev.Type) {
			t.logger.Debug("alert suppressed by cooldown", "type", ev.Type)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := t.send(ctx, ev)
		cancel()

		t.mu.Lock()
		if err != nil {
			t.stats.Errors++
		} else {
			t.stats.Published++
		}
		t.mu.Unlock()
		if err != nil {
			t.logger.Warn("failed to send alert", "type", ev.Type, "error", err)
		}
	}
}

// takeCooldown reports whether an alert of type typ may go out now and
// records it as sent
func (t *Telegram) takeCooldown(typ events.Type) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.lastSent[typ]; ok && now.Sub(last) < t.opts.Cooldown {
		return false
	}
	t.lastSent[typ] = now
	return true
}

func (t *Telegram) send(ctx context.Context, ev events.Event) error {
	text := alertText(ev)
	if ev.Type == events.TypeRecordingStarted {
		if photo := t.snapshot(); len(photo) > 0 {
			return t.sendPhoto(ctx, photo, text)
		}
	}
	return t.sendMessage(ctx, text)
}

func (t *Telegram) snapshot() []byte {
	t.mu.Lock()
	s := t.snapshots
	t.mu.Unlock()
	if s == nil {
		return nil
	}
	f, _ := s.Latest()
	if f == nil {
		return nil
	}
	return f.Data
}

func alertText(ev events.Event) string {
	when := ev.Timestamp.Format("2 Jan 2006, 15:04:05 MST")
	switch ev.Type {
	case events.TypeRecordingStarted:
		msg := "<b>Motion detected</b>\nTime: " + when
		if s, ok := ev.Data.(recorder.Status); ok && s.Path != "" {
			msg += "\nClip: " + html.EscapeString(filepath.Base(s.Path))
		}
		return msg
	case events.TypeRecordingFinished:
		msg := "<b>Clip saved</b>\nTime: " + when
		if rec, ok := ev.Data.(*database.EventRecord); ok && rec != nil {
			msg += fmt.Sprintf("\nClip: %s (%d KB)", html.EscapeString(filepath.Base(rec.Path)), rec.Size/1024)
		}
		return msg
	case events.TypeHealth:
		msg := "<b>Camera stream unhealthy</b>\nTime: " + when
		if r, ok := ev.Data.(health.Report); ok {
			msg += fmt.Sprintf("\nNo frame for %s (%d failed checks)", r.FrameAge.Round(time.Second), r.Failures)
		}
		return msg
	}
	return html.EscapeString(string(ev.Type))
}

func (t *Telegram) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.opts.APIURL, t.opts.BotToken, method)
}

func (t *Telegram) sendMessage(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{
		"chat_id":    t.opts.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req)
}

func (t *Telegram) sendPhoto(ctx context.Context, photo []byte, caption string) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fields := [][2]string{{"chat_id", t.opts.ChatID}, {"caption", caption}, {"parse_mode", "HTML"}}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("failed to write %s field: %w", f[0], err)
		}
	}
	part, err := w.CreateFormFile("photo", "motion.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return t.do(req)
}

func (t *Telegram) do(req *http.Request) error {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	var tr telegramResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return fmt.Errorf("failed to unmarshal response (status %d): %w", resp.StatusCode, err)
	}
	if !tr.OK {
		return fmt.Errorf("telegram API error %d: %s", tr.ErrorCode, tr.Description)
	}
	return nil
}
