// Package transport resolves recipient addresses and delivers messages to
// them. A Router picks the transport by address scheme.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"reminders/internal/domain"
	"reminders/internal/serialization"
)

var (
	ErrUnreachable = errors.New("recipient unreachable")
	ErrMailboxFull = errors.New("mailbox full")
)

// Header names carried next to a serialized message body.
const (
	HeaderSerializer = "X-Reminder-Serializer"
	HeaderManifest   = "X-Reminder-Manifest"
)

type Recipient interface {
	Address() domain.Address
}

type Transport interface {
	Resolve(ctx context.Context, addr domain.Address) (Recipient, error)
	Send(ctx context.Context, to Recipient, msg any) error
}

// Encoder turns a payload into a serializer envelope.
type Encoder interface {
	Serialize(v any) (serialization.Envelope, error)
}

type addressRecipient struct{ addr domain.Address }

func (r addressRecipient) Address() domain.Address { return r.addr }

type Router struct {
	mu     sync.RWMutex
	routes map[string]Transport
}

func NewRouter() *Router {
	return &Router{routes: map[string]Transport{}}
}

// Handle routes addresses with the given scheme to t.
func (r *Router) Handle(scheme string, t Transport) {
	r.mu.Lock()
	r.routes[scheme] = t
	r.mu.Unlock()
}

func (r *Router) route(addr domain.Address) (Transport, error) {
	if addr == domain.DeadLetters || addr.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	r.mu.RLock()
	t, ok := r.routes[addr.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no transport for scheme %q", ErrUnreachable, addr.Scheme)
	}
	return t, nil
}

func (r *Router) Resolve(ctx context.Context, addr domain.Address) (Recipient, error) {
	t, err := r.route(addr)
	if err != nil {
		return nil, err
	}
	return t.Resolve(ctx, addr)
}

func (r *Router) Send(ctx context.Context, to Recipient, msg any) error {
	t, err := r.route(to.Address())
	if err != nil {
		return err
	}
	return t.Send(ctx, to, msg)
}

var (
	_ Transport = (*Router)(nil)
	_ Transport = (*Local)(nil)
	_ Transport = (*Webhook)(nil)
	_ Transport = (*Kafka)(nil)
)
