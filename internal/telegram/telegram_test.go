package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ppewatch/internal/app"
	"ppewatch/internal/incident"
	"ppewatch/internal/pipeline"
	"ppewatch/internal/store"
)

type fakeAPI struct {
	mu      sync.Mutex
	calls   []string
	fields  []map[string]string
	updates string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		if !strings.HasPrefix(r.URL.Path, "/botTOKEN/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		fields := map[string]string{}
		switch {
		case strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/"):
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			for k, v := range r.MultipartForm.Value {
				fields[k] = v[0]
			}
			if _, _, err := r.FormFile("photo"); err != nil {
				t.Errorf("expected photo part: %v", err)
			}
		case r.Method == http.MethodPost:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			for k, v := range body {
				if s, ok := v.(string); ok {
					fields[k] = s
				}
			}
		}

		f.mu.Lock()
		f.calls = append(f.calls, method)
		f.fields = append(f.fields, fields)
		updates := f.updates
		f.updates = "[]"
		f.mu.Unlock()

		if method == "getUpdates" {
			w.Write([]byte(`{"ok":true,"result":` + updates + `}`))
			return
		}
		w.Write([]byte(`{"ok":true,"result":{}}`))
	})
}

func newTestBot(t *testing.T, cooldown time.Duration) (*Bot, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{updates: "[]"}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	bot, err := NewBot(Config{BotToken: "TOKEN", ChatID: "42", APIBase: srv.URL, Cooldown: cooldown}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	return bot, api
}

func event(camera, status string) *pipeline.IncidentEvent {
	return &pipeline.IncidentEvent{
		ReportID: "r-" + camera,
		Status:   status,
		Severity: "HIGH",
		CameraID: camera,
		Missing:  []string{"hardhat"},
		Time:     time.Now(),
	}
}

func TestNewBotRequiresCredentials(t *testing.T) {
	if _, err := NewBot(Config{ChatID: "1"}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error without token")
	}
}

func TestIncidentAlertCooldownPerCamera(t *testing.T) {
	bot, api := newTestBot(t, time.Minute)
	ctx := context.Background()

	withPhoto := event("gate", "completed")
	withPhoto.Annotated = []byte{0xff, 0xd8, 0xff, 0xd9}
	if err := bot.SendIncidentAlert(ctx, withPhoto); err != nil {
		t.Fatalf("first alert: %v", err)
	}
	if err := bot.SendIncidentAlert(ctx, event("gate", "completed")); !errors.Is(err, ErrCooldown) {
		t.Fatalf("expected cooldown, got %v", err)
	}
	if err := bot.SendIncidentAlert(ctx, event("yard", "partial")); err != nil {
		t.Fatalf("other camera: %v", err)
	}

	if len(api.calls) != 2 || api.calls[0] != "sendPhoto" || api.calls[1] != "sendMessage" {
		t.Fatalf("unexpected calls %v", api.calls)
	}
	if api.fields[0]["chat_id"] != "42" || !strings.Contains(api.fields[0]["caption"], "hardhat") {
		t.Fatalf("unexpected photo fields %v", api.fields[0])
	}
}

func TestFormatIncidentEscapesText(t *testing.T) {
	e := event("<cam>", "failed")
	e.Error = "disk <full>"
	e.Record = &store.Record{}
	got := FormatIncident(e)
	if strings.Contains(got, "<cam>") || !strings.Contains(got, "&lt;cam&gt;") || !strings.Contains(got, "disk &lt;full&gt;") {
		t.Fatalf("expected escaped output, got %q", got)
	}
}

func TestNotifierOnlyTerminalConfiguredStatuses(t *testing.T) {
	bot, api := newTestBot(t, 0)
	n := NewNotifier(bot, []string{"completed", "failed"})

	n.Notify(context.Background(), event("a", "generating"))
	n.Notify(context.Background(), event("b", "partial"))
	n.Notify(context.Background(), event("c", "failed"))

	if len(api.calls) != 1 {
		t.Fatalf("expected a single alert, got %v", api.calls)
	}
}

type fixedStats struct{ s app.Stats }

func (f fixedStats) Stats() app.Stats { return f.s }

func TestCommands(t *testing.T) {
	bot, _ := newTestBot(t, 0)
	st := store.NewMemory()
	ctx := context.Background()
	st.Upsert(ctx, &store.Record{
		ReportID:     "0192-abc",
		CameraID:     "gate",
		Timestamp:    time.Now(),
		Severity:     "HIGH",
		Status:       "failed",
		MissingPPE:   []string{"vest"},
		ErrorMessage: "upload report: disk full",
	})

	stats := app.Stats{Gate: incident.GateStats{Admitted: 3, RejectedCooldown: 7}, QueueLen: 1, QueueCap: 5}
	ch := NewCommandHandler(bot, fixedStats{stats}, st)
	chat := &TelegramChat{ID: 42}

	if got := ch.HandleMessage(ctx, &TelegramMessage{Chat: &TelegramChat{ID: 7}, Text: "/status"}); got != "" {
		t.Fatalf("unauthorized chat must be ignored, got %q", got)
	}
	if got := ch.HandleMessage(ctx, &TelegramMessage{Chat: chat, Text: "/status@ppebot"}); !strings.Contains(got, "Admitted: 3") || !strings.Contains(got, "Queue: 1/5") {
		t.Fatalf("unexpected status reply %q", got)
	}
	if got := ch.HandleMessage(ctx, &TelegramMessage{Chat: chat, Text: "/incidents 3"}); !strings.Contains(got, "0192-abc") {
		t.Fatalf("unexpected incidents reply %q", got)
	}
	if got := ch.HandleMessage(ctx, &TelegramMessage{Chat: chat, Text: "/incident 0192-abc"}); !strings.Contains(got, "disk full") {
		t.Fatalf("unexpected incident reply %q", got)
	}
	if got := ch.HandleMessage(ctx, &TelegramMessage{Chat: chat, Text: "/incident nope"}); !strings.Contains(got, "not found") {
		t.Fatalf("unexpected reply %q", got)
	}
	if got := ch.HandleMessage(ctx, &TelegramMessage{Chat: chat, Text: "hello"}); got != "" {
		t.Fatalf("plain text must be ignored, got %q", got)
	}
}

func TestPollUpdatesReplies(t *testing.T) {
	bot, api := newTestBot(t, 0)
	api.updates = `[{"update_id":10,"message":{"message_id":1,"chat":{"id":42,"type":"private"},"text":"/help"}}]`
	ch := NewCommandHandler(bot, fixedStats{}, store.NewMemory())

	if err := ch.pollUpdates(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if ch.lastUpdateID != 10 {
		t.Fatalf("expected offset to advance, got %d", ch.lastUpdateID)
	}
	if len(api.calls) != 2 || api.calls[1] != "sendMessage" || !strings.Contains(api.fields[1]["text"], "/incidents") {
		t.Fatalf("expected help reply, got %v %v", api.calls, api.fields)
	}
}
