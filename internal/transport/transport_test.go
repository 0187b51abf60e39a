package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"

	"reminders/internal/domain"
	"reminders/internal/serialization"
)

func TestRouterDeadLettersAreUnreachable(t *testing.T) {
	r := NewRouter()
	local := NewLocal()
	local.Mailbox(domain.DeadLetters, 1)
	r.Handle("local", local)

	if _, err := r.Resolve(context.Background(), domain.DeadLetters); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v", err)
	}
	if _, err := r.Resolve(context.Background(), domain.MustParseAddress("smtp://mail/x")); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("unknown scheme err = %v", err)
	}
}

func TestLocalDelivery(t *testing.T) {
	ctx := context.Background()
	addr := domain.MustParseAddress("local://app/inbox")
	local := NewLocal()
	box := local.Mailbox(addr, 1)
	r := NewRouter()
	r.Handle("local", local)

	to, err := r.Resolve(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Send(ctx, to, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := r.Send(ctx, to, "again"); !errors.Is(err, ErrMailboxFull) {
		t.Fatalf("second send err = %v", err)
	}
	d := <-box
	if d.Message != "hello" || d.To != addr {
		t.Fatalf("delivery = %+v", d)
	}

	local.Remove(addr)
	if _, err := r.Resolve(ctx, addr); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("removed mailbox err = %v", err)
	}
}

func TestWebhookSend(t *testing.T) {
	var (
		gotBody   string
		gotHeader http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody, gotHeader = string(b), r.Header.Clone()
		if r.URL.Path == "/fail" {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ctx := context.Background()
	wh := NewWebhook(serialization.NewRegistry(), WithHTTPClient(srv.Client()), WithHeader("X-Token", "secret"))

	to, err := wh.Resolve(ctx, domain.MustParseAddress(srv.URL+"/hook"))
	if err != nil {
		t.Fatal(err)
	}
	if err := wh.Send(ctx, to, "wake up"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotBody != "wake up" {
		t.Errorf("body = %q", gotBody)
	}
	if gotHeader.Get(HeaderSerializer) != "20" || gotHeader.Get("X-Token") != "secret" {
		t.Errorf("headers = %v", gotHeader)
	}
	if ct := gotHeader.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}

	fail, _ := wh.Resolve(ctx, domain.MustParseAddress(srv.URL+"/fail"))
	if err := wh.Send(ctx, fail, "x"); err == nil {
		t.Fatal("expected error for 502")
	}

	if err := wh.Send(ctx, to, struct{}{}); !errors.Is(err, serialization.ErrNoSerializer) {
		t.Fatalf("unregistered payload err = %v", err)
	}
}

// mockProducer mocks kgo.Client for testing
type mockProducer struct {
	produceErr   error
	lastRecord   *kgo.Record
	produceCalls int
}

func (m *mockProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	m.produceCalls++
	if len(rs) > 0 {
		m.lastRecord = rs[0]
	}
	if m.produceErr != nil {
		return kgo.ProduceResults{{Err: m.produceErr}}
	}
	return kgo.ProduceResults{}
}

func TestKafkaSend(t *testing.T) {
	ctx := context.Background()
	mock := &mockProducer{}
	reg := serialization.NewRegistry()
	js := serialization.NewJSONSerializer(0)
	type Ping struct{ N int }
	if err := serialization.RegisterJSON[Ping](reg, js, "ping"); err != nil {
		t.Fatal(err)
	}
	k := NewKafka(mock, reg)

	to, err := k.Resolve(ctx, domain.MustParseAddress("kafka://main/reminders?key=user-1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Send(ctx, to, Ping{N: 3}); err != nil {
		t.Fatal(err)
	}
	rec := mock.lastRecord
	if rec.Topic != "reminders" || string(rec.Key) != "user-1" || string(rec.Value) != `{"N":3}` {
		t.Fatalf("record = %+v", rec)
	}
	headers := map[string]string{}
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers[HeaderSerializer] != "30" || headers[HeaderManifest] != "ping" {
		t.Fatalf("headers = %v", headers)
	}

	mock.produceErr = errors.New("broker down")
	if err := k.Send(ctx, to, Ping{N: 4}); err == nil {
		t.Fatal("expected produce error")
	}
	if mock.produceCalls != 2 {
		t.Fatalf("produce calls = %d", mock.produceCalls)
	}

	if _, err := k.Resolve(ctx, domain.MustParseAddress("kafka://main")); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("no topic err = %v", err)
	}
}
