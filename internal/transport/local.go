package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"reminders/internal/domain"
)

// Delivery is what a local mailbox receives.
type Delivery struct {
	To      domain.Address
	Message any
	At      time.Time
}

// Local delivers to in-process mailboxes keyed by host and path.
type Local struct {
	mu    sync.RWMutex
	boxes map[string]chan Delivery
}

func NewLocal() *Local {
	return &Local{boxes: map[string]chan Delivery{}}
}

func mailboxKey(addr domain.Address) string { return addr.Host + addr.Path }

// Mailbox returns the mailbox for addr, creating it with the given
// capacity when it does not exist yet.
func (l *Local) Mailbox(addr domain.Address, size int) <-chan Delivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := mailboxKey(addr)
	ch, ok := l.boxes[key]
	if !ok {
		ch = make(chan Delivery, max(size, 1))
		l.boxes[key] = ch
	}
	return ch
}

// Remove makes addr unreachable. The channel is left open for readers to drain.
func (l *Local) Remove(addr domain.Address) {
	l.mu.Lock()
	delete(l.boxes, mailboxKey(addr))
	l.mu.Unlock()
}

type localRecipient struct {
	addr domain.Address
	box  chan Delivery
}

func (r localRecipient) Address() domain.Address { return r.addr }

func (l *Local) Resolve(_ context.Context, addr domain.Address) (Recipient, error) {
	l.mu.RLock()
	ch, ok := l.boxes[mailboxKey(addr)]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no mailbox at %s", ErrUnreachable, addr)
	}
	return localRecipient{addr: addr, box: ch}, nil
}

func (l *Local) Send(ctx context.Context, to Recipient, msg any) error {
	r, ok := to.(localRecipient)
	if !ok {
		resolved, err := l.Resolve(ctx, to.Address())
		if err != nil {
			return err
		}
		r = resolved.(localRecipient)
	}
	select {
	case r.box <- Delivery{To: r.addr, Message: msg, At: time.Now().UTC()}:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrMailboxFull, r.addr)
	}
}
