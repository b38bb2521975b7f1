package engine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sessionsync/internal/broadcast"
	"sessionsync/internal/config"
	"sessionsync/internal/event"
	"sessionsync/internal/executor"
)

func testConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	stateDir := t.TempDir()
	logRoot := filepath.Join(stateDir, "sessions")
	day := time.Now()
	dayDir := filepath.Join(logRoot,
		fmt.Sprintf("%04d", day.Year()),
		fmt.Sprintf("%02d", int(day.Month())),
		fmt.Sprintf("%02d", day.Day()))
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.LogRoots = []config.LogRoot{{Path: logRoot, AgentKind: "codex", Layout: "dated"}}
	cfg.PollInterval = config.Duration(50 * time.Millisecond)
	cfg.OverlayPath = filepath.Join(stateDir, "overlay.json")
	cfg.HistoryDBPath = filepath.Join(stateDir, "events.db")
	return cfg, dayDir
}

// startEngine subscribes before Start so the initial session
// announcements cannot slip past the test subscriber.
func startEngine(t *testing.T, cfg *config.Config) (*Engine, *broadcast.Subscriber) {
	t.Helper()
	e, err := New(cfg, executor.NopBackend{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub := e.hub.Subscribe(32)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e, sub
}

// waitEnvelope blocks until the subscriber delivers an envelope of the
// wanted type or the timeout expires.
func waitEnvelope(t *testing.T, sub *broadcast.Subscriber, eventType string) broadcast.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", eventType)
			}
			if env.EventType == eventType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s envelope", eventType)
		}
	}
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestPipelineDeliversNormalizedEventsWithCachedCWD(t *testing.T) {
	cfg, dayDir := testConfig(t)
	logPath := filepath.Join(dayDir, "rollout-2026-08-30T12-00-00-0199a213-81ec-7800-8aa1-6d78fbbbc100.jsonl")
	appendLine(t, logPath, `{"timestamp":"2026-08-30T12:00:00Z","type":"session_meta","payload":{"id":"abc","cwd":"/home/dev/proj"}}`)

	e, sub := startEngine(t, cfg)
	defer e.hub.Unsubscribe(sub)

	// The pre-existing line was seeded without emission, but the file
	// announcement carries the cached cwd. Waiting for it also
	// guarantees the seeding read finished before we append.
	waitEnvelope(t, sub, "session:new")
	appendLine(t, logPath, `{"timestamp":"2026-08-30T12:00:05Z","type":"event_msg","payload":{"type":"user_message","message":"run the tests"}}`)

	env := waitEnvelope(t, sub, "event")
	ev, ok := env.Payload.(*event.Event)
	if !ok {
		t.Fatalf("payload type %T", env.Payload)
	}
	if ev.Type != event.TypeUserPrompt {
		t.Errorf("event type = %s, want user_prompt", ev.Type)
	}
	if ev.Prompt != "run the tests" {
		t.Errorf("prompt = %q", ev.Prompt)
	}
	if ev.CWD != "/home/dev/proj" {
		t.Errorf("cwd = %q, want the session_meta cwd", ev.CWD)
	}
	if ev.SessionID != "0199a213-81ec-7800-8aa1-6d78fbbbc100" {
		t.Errorf("session id = %q", ev.SessionID)
	}
}

func TestDuplicateLinesDeliverOnce(t *testing.T) {
	cfg, dayDir := testConfig(t)
	logPath := filepath.Join(dayDir, "dup-session.jsonl")
	appendLine(t, logPath, `{"timestamp":"2026-08-30T12:00:00Z","type":"session_meta","payload":{"id":"abc","cwd":"/w"}}`)

	e, sub := startEngine(t, cfg)
	defer e.hub.Unsubscribe(sub)

	waitEnvelope(t, sub, "session:new")
	line := `{"timestamp":"2026-08-30T12:00:05Z","type":"event_msg","payload":{"type":"user_message","message":"again"}}`
	appendLine(t, logPath, line)
	waitEnvelope(t, sub, "event")

	appendLine(t, logPath, line)
	appendLine(t, logPath, `{"timestamp":"2026-08-30T12:00:09Z","type":"event_msg","payload":{"type":"turn_end"}}`)

	env := waitEnvelope(t, sub, "event")
	ev := env.Payload.(*event.Event)
	if ev.Type != event.TypeStop {
		t.Fatalf("expected the duplicate to be suppressed, got %s event", ev.Type)
	}
}

func TestStatusChangesAreBroadcast(t *testing.T) {
	cfg, dayDir := testConfig(t)
	logPath := filepath.Join(dayDir, "status-session.jsonl")
	appendLine(t, logPath, `{"timestamp":"2026-08-30T12:00:00Z","type":"session_meta","payload":{"id":"abc","cwd":"/w"}}`)

	e, sub := startEngine(t, cfg)
	defer e.hub.Unsubscribe(sub)

	waitEnvelope(t, sub, "session:new")
	appendLine(t, logPath, `{"timestamp":"2026-08-30T12:00:09Z","type":"event_msg","payload":{"type":"turn_end"}}`)

	waitEnvelope(t, sub, "session:status")
}

func TestSessionsAPIExposesMergedViews(t *testing.T) {
	cfg, dayDir := testConfig(t)
	logPath := filepath.Join(dayDir, "api-session.jsonl")
	appendLine(t, logPath, `{"timestamp":"2026-08-30T12:00:00Z","type":"session_meta","payload":{"id":"abc","cwd":"/api/cwd"}}`)

	e, sub := startEngine(t, cfg)
	defer e.hub.Unsubscribe(sub)
	waitEnvelope(t, sub, "session:new")

	resp, err := http.Get("http://" + e.Addr() + "/api/sessions")
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var views []executor.SessionView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("sessions = %d, want 1", len(views))
	}
	if views[0].ExternalID != "api-session" {
		t.Errorf("external id = %q", views[0].ExternalID)
	}
	if views[0].CWD != "/api/cwd" {
		t.Errorf("cwd = %q", views[0].CWD)
	}
}

func TestMetadataEndpointRoundTrip(t *testing.T) {
	cfg, dayDir := testConfig(t)
	logPath := filepath.Join(dayDir, "meta-session.jsonl")
	appendLine(t, logPath, `{"timestamp":"2026-08-30T12:00:00Z","type":"session_meta","payload":{"id":"abc","cwd":"/w"}}`)

	e, sub := startEngine(t, cfg)
	defer e.hub.Unsubscribe(sub)
	waitEnvelope(t, sub, "session:new")

	views := e.mgr.List()
	if len(views) != 1 {
		t.Fatalf("sessions = %d, want 1", len(views))
	}
	id := views[0].InternalID

	body := `{"zonePosition":{"x":2.5,"z":-4},"autoAccept":true}`
	req, _ := http.NewRequest(http.MethodPut,
		"http://"+e.Addr()+"/api/sessions/"+id+"/metadata",
		strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT metadata: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var view executor.SessionView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.ZonePosition == nil || view.ZonePosition.X != 2.5 || view.ZonePosition.Z != -4 {
		t.Errorf("zone position = %+v", view.ZonePosition)
	}
	if !view.AutoAccept {
		t.Error("auto accept not applied")
	}
	if got, _ := e.ov.Get(id); got.ZonePosition == nil {
		t.Error("overlay store not updated")
	}
}

func TestStopJoinsBackgroundLoops(t *testing.T) {
	cfg, _ := testConfig(t)
	e, err := New(cfg, executor.NopBackend{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.Stop()

	select {
	case <-e.done:
	default:
		t.Error("intake loop still running after Stop")
	}
	select {
	case <-e.hkDone:
	default:
		t.Error("housekeeping loop still running after Stop")
	}
}
