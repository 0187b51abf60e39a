package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reminders/internal/config"
	"reminders/internal/domain"
	"reminders/internal/journal"
	"reminders/internal/reminder"
	"reminders/internal/serialization"
)

func TestRootCommands(t *testing.T) {
	root := rootCmd()
	want := map[string]bool{"serve": false, "schedule": false, "cancel": false, "state": false, "journal": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestJournalDump(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	store, err := journal.OpenSQLite(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	codec := serialization.NewCodec(serialization.NewRegistry())
	opts := reminder.DefaultOptions()
	opts.PastTolerance = -1
	svc := reminder.NewService(store, codec, opts)
	at := time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC)
	_, err = svc.Schedule(ctx, "alice", domain.Schedule{
		TaskID: "t1", Recipient: domain.MustParseAddress("addr://x"), Message: "hi", TriggerAt: at, RepeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = svc.Cancel(ctx, "alice", domain.Cancel{TaskID: "t1"})
	svc.Stop()
	_ = store.Close()

	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("STORAGE_PATH", dbPath)
	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"journal", "dump", "--owner", "alice"})
	if err := root.ExecuteContext(ctx); err != nil {
		t.Fatalf("dump: %v", err)
	}

	got := out.String()
	for _, want := range []string{"== reminders-alice", "scheduled t1 -> addr://x at 2030-01-01T08:00:00Z every 1h0m0s", "cancelled t1"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestPayloadString(t *testing.T) {
	if got := payloadString([]byte{1, 2, 3}); got != "3 bytes" {
		t.Errorf("bytes = %q", got)
	}
	if got := payloadString("hello"); got != "hello" {
		t.Errorf("string = %q", got)
	}
}

func TestServeReturnsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := config.Default()
	cfg.HTTP.Addr = ln.Addr().String()
	cfg.Storage.Driver = "memory"

	done := make(chan error, 1)
	go func() { done <- serve(&cfg) }()
	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "http server") {
			t.Fatalf("serve = %v, want listen error", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after the listener failed")
	}
}
