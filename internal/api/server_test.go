package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"reminders/internal/domain"
	"reminders/internal/journal"
	"reminders/internal/reminder"
	"reminders/internal/serialization"
	"reminders/internal/transport"
)

var now = time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	srv   *httptest.Server
	codec *serialization.Codec
	rem   *reminder.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	codec := serialization.NewCodec(serialization.NewRegistry())
	opts := reminder.DefaultOptions()
	opts.Now = func() time.Time { return now }
	rem := reminder.NewService(journal.NewMemory(), codec, opts)
	t.Cleanup(rem.Stop)

	srv := httptest.NewServer(NewServerWithOptions(rem, codec, Options{Now: func() time.Time { return now }}))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, codec: codec, rem: rem}
}

func (f *fixture) command(t *testing.T, owner string, msg domain.Message) *http.Response {
	t.Helper()
	tag, body, err := f.codec.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/reminders/"+owner+"/commands", bytes.NewReader(body))
	req.Header.Set(transport.HeaderManifest, tag)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestBinaryScheduleAndGetState(t *testing.T) {
	f := newFixture(t)

	resp := f.command(t, "alice", domain.Schedule{
		TaskID:    "t1",
		Recipient: domain.MustParseAddress("addr://x"),
		Message:   "hello",
		TriggerAt: now.Add(10 * time.Second),
		Ack:       "ok",
	})
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d: %s", resp.StatusCode, b)
	}
	if got := resp.Header.Get(transport.HeaderSerializer); got != "20" {
		t.Fatalf("ack serializer = %q", got)
	}
	ack, _ := io.ReadAll(resp.Body)
	if string(ack) != "ok" {
		t.Fatalf("ack = %q", ack)
	}

	resp = f.command(t, "alice", domain.GetState{})
	if resp.StatusCode != http.StatusOK || resp.Header.Get(transport.HeaderManifest) != serialization.StateManifest {
		t.Fatalf("GetState status = %d manifest = %q", resp.StatusCode, resp.Header.Get(transport.HeaderManifest))
	}
	body, _ := io.ReadAll(resp.Body)
	msg, err := f.codec.Decode(serialization.StateManifest, body)
	if err != nil {
		t.Fatal(err)
	}
	st := msg.(domain.State)
	if e, ok := st.Get("t1"); !ok || e.Message != "hello" {
		t.Fatalf("state = %+v", st)
	}
}

func TestBinaryCancelWithoutAck(t *testing.T) {
	f := newFixture(t)
	resp := f.command(t, "alice", domain.Cancel{TaskID: "ghost"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestBinaryCommandErrors(t *testing.T) {
	f := newFixture(t)

	resp := f.command(t, "alice", domain.Schedule{
		TaskID:    "late",
		Recipient: domain.MustParseAddress("addr://x"),
		Message:   "hello",
		TriggerAt: now.Add(-time.Hour),
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("past trigger status = %d", resp.StatusCode)
	}

	resp = f.command(t, "alice", domain.Completed{TaskID: "x", CompletedAt: now})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-command status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/reminders/alice/commands", strings.NewReader("x"))
	req.Header.Set(transport.HeaderManifest, "Q")
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown manifest status = %d", r.StatusCode)
	}
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(v)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestJSONScheduleLifecycle(t *testing.T) {
	f := newFixture(t)
	base := f.srv.URL + "/api/reminders/bob/schedules"

	resp := postJSON(t, base, map[string]any{
		"task_id":         "standup",
		"recipient":       "https://hooks.example.com/standup",
		"payload":         map[string]any{"text": "standup in 5"},
		"delay":           "90s",
		"repeat_interval": "24h",
		"ack":             map[string]any{"ok": true},
	})
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d: %s", resp.StatusCode, b)
	}
	var created createScheduleResp
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.TaskID != "standup" || !created.TriggerAt.Equal(now.Add(90*time.Second)) || string(created.Ack) != `{"ok":true}` {
		t.Fatalf("created = %+v (ack %s)", created, created.Ack)
	}

	get, err := http.Get(base + "/standup")
	if err != nil {
		t.Fatal(err)
	}
	defer get.Body.Close()
	var view struct {
		Recipient      string          `json:"recipient"`
		Payload        json.RawMessage `json:"payload"`
		RepeatInterval string          `json:"repeat_interval"`
	}
	if err := json.NewDecoder(get.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Recipient != "https://hooks.example.com/standup" || string(view.Payload) != `{"text":"standup in 5"}` || view.RepeatInterval != "24h0m0s" {
		t.Fatalf("view = %+v (payload %s)", view, view.Payload)
	}

	req, _ := http.NewRequest(http.MethodDelete, base+"/standup", nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", del.StatusCode)
	}

	missing, err := http.Get(base + "/standup")
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("after delete status = %d", missing.StatusCode)
	}
}

func TestJSONNullAckMeansNoAck(t *testing.T) {
	f := newFixture(t)
	resp := postJSON(t, f.srv.URL+"/api/reminders/erin/schedules", map[string]any{
		"task_id":   "quiet",
		"recipient": "addr://x",
		"payload":   "hi",
		"delay":     "1m",
		"ack":       nil,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if ack, ok := body["ack"]; ok {
		t.Fatalf("ack = %s, want none", ack)
	}
	if !hasValue(json.RawMessage(`{"ok":true}`)) || hasValue(json.RawMessage(" null ")) || hasValue(nil) {
		t.Fatal("hasValue misclassifies raw values")
	}
}

func TestJSONScheduleCronAndList(t *testing.T) {
	f := newFixture(t)
	base := f.srv.URL + "/api/reminders/carol/schedules"

	resp := postJSON(t, base, map[string]any{
		"task_id":   "noon",
		"recipient": "local://app/inbox",
		"payload":   "\"lunch\"",
		"cron":      "0 12 * * *",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	st, err := f.rem.State(context.Background(), "carol")
	if err != nil {
		t.Fatal(err)
	}
	e, _ := st.Get("noon")
	if want := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC); !e.TriggerAt.Equal(want) {
		t.Fatalf("TriggerAt = %v, want %v", e.TriggerAt, want)
	}

	list, err := http.Get(base)
	if err != nil {
		t.Fatal(err)
	}
	defer list.Body.Close()
	var views []map[string]any
	if err := json.NewDecoder(list.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0]["task_id"] != "noon" {
		t.Fatalf("list = %v", views)
	}
}

func TestJSONScheduleValidation(t *testing.T) {
	f := newFixture(t)
	base := f.srv.URL + "/api/reminders/dave/schedules"
	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"no recipient", map[string]any{"payload": 1, "delay": "1m"}, 400},
		{"bad recipient", map[string]any{"recipient": "nope", "payload": 1, "delay": "1m"}, 422},
		{"no payload", map[string]any{"recipient": "addr://x", "delay": "1m"}, 400},
		{"null payload", map[string]any{"recipient": "addr://x", "payload": nil, "delay": "1m"}, 400},
		{"no trigger", map[string]any{"recipient": "addr://x", "payload": 1}, 400},
		{"two triggers", map[string]any{"recipient": "addr://x", "payload": 1, "delay": "1m", "cron": "* * * * *"}, 400},
		{"bad cron", map[string]any{"recipient": "addr://x", "payload": 1, "cron": "every day"}, 400},
		{"negative repeat", map[string]any{"recipient": "addr://x", "payload": 1, "delay": "1m", "repeat_interval": "-1s"}, 422},
		{"past", map[string]any{"recipient": "addr://x", "payload": 1, "trigger_at": now.Add(-time.Hour)}, 422},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, base, tt.body)
			if resp.StatusCode != tt.want {
				b, _ := io.ReadAll(resp.Body)
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.want, b)
			}
		})
	}
}
