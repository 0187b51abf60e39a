package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reminders/internal/domain"
	"reminders/internal/journal"
	"reminders/internal/reminder"
	"reminders/internal/serialization"
	"reminders/internal/transport"
)

var now = time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC)

type fireCall struct {
	owner, taskID string
	dueAt         time.Time
}

// mockSchedules implements Schedules for testing
type mockSchedules struct {
	mu    sync.Mutex
	due   map[string][]domain.Entry
	fired []fireCall
}

func (m *mockSchedules) Owners() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for owner := range m.due {
		out = append(out, owner)
	}
	return out
}

func (m *mockSchedules) Due(_ context.Context, owner string, _ time.Time) ([]domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.due[owner], nil
}

func (m *mockSchedules) Fire(_ context.Context, owner, taskID string, dueAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fired = append(m.fired, fireCall{owner, taskID, dueAt})
	return true, nil
}

func (m *mockSchedules) fireCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fired)
}

// mockTransport implements transport.Transport for testing
type mockTransport struct {
	mu      sync.Mutex
	sendErr error
	sent    []any
}

type mockRecipient struct{ addr domain.Address }

func (r mockRecipient) Address() domain.Address { return r.addr }

func (m *mockTransport) Resolve(_ context.Context, addr domain.Address) (transport.Recipient, error) {
	return mockRecipient{addr}, nil
}

func (m *mockTransport) Send(_ context.Context, _ transport.Recipient, msg any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.sendErr
}

func (m *mockTransport) sendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func dueEntry(id string) domain.Entry {
	return domain.Entry{
		TaskID:    id,
		Recipient: domain.MustParseAddress("addr://x"),
		Message:   "hello " + id,
		TriggerAt: now,
	}
}

func TestProcessDueDeliversAndFires(t *testing.T) {
	sched := &mockSchedules{due: map[string][]domain.Entry{
		"alice": {dueEntry("a1"), dueEntry("a2")},
		"bob":   {dueEntry("b1")},
	}}
	tr := &mockTransport{}
	svc := NewService(sched, tr, Options{Concurrency: 2})

	svc.processDue(context.Background(), now)

	if got := tr.sendCount(); got != 3 {
		t.Fatalf("sent = %d, want 3", got)
	}
	if got := sched.fireCount(); got != 3 {
		t.Fatalf("fired = %d, want 3", got)
	}
	for _, f := range sched.fired {
		if !f.dueAt.Equal(now) {
			t.Errorf("Fire(%s/%s) dueAt = %v", f.owner, f.taskID, f.dueAt)
		}
	}
}

func TestFailedDeliveryIsRetried(t *testing.T) {
	sched := &mockSchedules{due: map[string][]domain.Entry{"alice": {dueEntry("a1")}}}
	tr := &mockTransport{sendErr: errors.New("connection refused")}
	svc := NewService(sched, tr, Options{})

	svc.processDue(context.Background(), now)
	svc.processDue(context.Background(), now.Add(time.Second))
	if got := tr.sendCount(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	if got := sched.fireCount(); got != 0 {
		t.Fatalf("fired after failures = %d", got)
	}

	tr.mu.Lock()
	tr.sendErr = nil
	tr.mu.Unlock()
	svc.processDue(context.Background(), now.Add(2*time.Second))
	if got := sched.fireCount(); got != 1 {
		t.Fatalf("fired = %d, want 1", got)
	}
}

func TestRetryBackoff(t *testing.T) {
	sched := &mockSchedules{due: map[string][]domain.Entry{"alice": {dueEntry("a1")}}}
	tr := &mockTransport{sendErr: errors.New("timeout")}
	svc := NewService(sched, tr, Options{MaxRetryDelay: 10 * time.Second})

	// attempt 1 fails, next one after 1s
	svc.processDue(context.Background(), now)
	svc.processDue(context.Background(), now.Add(500*time.Millisecond))
	if got := tr.sendCount(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	// attempt 2 fails, next one after 2s more
	svc.processDue(context.Background(), now.Add(time.Second))
	svc.processDue(context.Background(), now.Add(2*time.Second))
	if got := tr.sendCount(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	svc.processDue(context.Background(), now.Add(3*time.Second))
	if got := tr.sendCount(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}

	// a task that is no longer due loses its retry state
	sched.mu.Lock()
	sched.due = map[string][]domain.Entry{"alice": nil}
	sched.mu.Unlock()
	svc.processDue(context.Background(), now.Add(4*time.Second))
	svc.mu.Lock()
	n := len(svc.retries)
	svc.mu.Unlock()
	if n != 0 {
		t.Fatalf("retry entries = %d", n)
	}
}

func newReminders(t *testing.T) *reminder.Service {
	t.Helper()
	opts := reminder.DefaultOptions()
	opts.Now = func() time.Time { return now }
	svc := reminder.NewService(journal.NewMemory(), serialization.NewCodec(serialization.NewRegistry()), opts)
	t.Cleanup(svc.Stop)
	return svc
}

func TestDeliveryThroughAggregate(t *testing.T) {
	ctx := context.Background()
	rem := newReminders(t)
	inbox := domain.MustParseAddress("local://app/inbox")
	local := transport.NewLocal()
	box := local.Mailbox(inbox, 8)
	router := transport.NewRouter()
	router.Handle("local", local)
	svc := NewService(rem, router, Options{})

	_, err := rem.Schedule(ctx, "alice", domain.Schedule{
		TaskID: "once", Recipient: inbox, Message: "hello", TriggerAt: now.Add(time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = rem.Schedule(ctx, "alice", domain.Schedule{
		TaskID: "cancelled", Recipient: inbox, Message: "never", TriggerAt: now.Add(time.Second),
	})
	_, _ = rem.Schedule(ctx, "alice", domain.Schedule{
		TaskID: "lost", Recipient: domain.DeadLetters, Message: "nobody", TriggerAt: now.Add(time.Second),
	})
	_, _ = rem.Cancel(ctx, "alice", domain.Cancel{TaskID: "cancelled"})

	svc.processDue(ctx, now) // nothing due yet
	if len(box) != 0 {
		t.Fatalf("delivered early: %d", len(box))
	}

	svc.processDue(ctx, now.Add(time.Second))
	if len(box) != 1 {
		t.Fatalf("mailbox holds %d deliveries, want 1", len(box))
	}
	if d := <-box; d.Message != "hello" {
		t.Fatalf("delivery = %+v", d)
	}

	st, _ := rem.State(ctx, "alice")
	if _, ok := st.Get("once"); ok {
		t.Fatal("delivered entry still scheduled")
	}
	// undeliverable entries stay until cancelled
	if _, ok := st.Get("lost"); !ok {
		t.Fatal("dead letter entry dropped")
	}
}

func TestRepeatingDeliveryCatchesUp(t *testing.T) {
	ctx := context.Background()
	rem := newReminders(t)
	inbox := domain.MustParseAddress("local://app/inbox")
	local := transport.NewLocal()
	box := local.Mailbox(inbox, 8)
	router := transport.NewRouter()
	router.Handle("local", local)
	svc := NewService(rem, router, Options{})

	_, err := rem.Schedule(ctx, "alice", domain.Schedule{
		TaskID: "tick", Recipient: inbox, Message: "tick", TriggerAt: now, RepeatInterval: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	// three occurrences are due; one is delivered per pass
	for i := 0; i < 3; i++ {
		svc.processDue(ctx, now.Add(2*time.Second))
	}
	if len(box) != 3 {
		t.Fatalf("deliveries = %d, want 3", len(box))
	}
	svc.processDue(ctx, now.Add(2*time.Second))
	if len(box) != 3 {
		t.Fatalf("delivered ahead of schedule: %d", len(box))
	}
	st, _ := rem.State(ctx, "alice")
	if e, _ := st.Get("tick"); !e.TriggerAt.Equal(now.Add(3 * time.Second)) {
		t.Fatalf("next trigger = %v", e.TriggerAt)
	}
}

func TestStartStop(t *testing.T) {
	svc := NewService(&mockSchedules{}, &mockTransport{}, Options{Interval: time.Millisecond})
	done := make(chan struct{})
	go func() {
		svc.Start(context.Background())
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	svc.Stop()
	svc.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestCronHelpers(t *testing.T) {
	if err := ValidateCronExpression("*/5 * * * *"); err != nil {
		t.Fatalf("valid expression rejected: %v", err)
	}
	if err := ValidateCronExpression("not cron"); err == nil {
		t.Fatal("invalid expression accepted")
	}
	next, err := NextRunTime("0 12 * * *", now)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
