package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"reminders/internal/domain"
	"reminders/internal/journal"
	"reminders/internal/serialization"
)

var ErrInvalidOwner = errors.New("invalid owner")

// Service shards aggregates by owner and starts them on first use.
type Service struct {
	store journal.Store
	codec *serialization.Codec
	opts  Options

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	aggs   map[string]*Aggregate
	wg     sync.WaitGroup
}

func NewService(store journal.Store, codec *serialization.Codec, opts Options) *Service {
	return &Service{
		store: store,
		codec: codec,
		opts:  opts,
		aggs:  map[string]*Aggregate{},
	}
}

func (s *Service) Codec() *serialization.Codec { return s.codec }

// Start recovers every owner found in the journal so their due entries are
// delivered without waiting for a command.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	s.mu.Unlock()

	ids, err := s.store.Aggregates(ctx)
	if err != nil {
		return fmt.Errorf("list aggregates: %w", err)
	}
	for _, id := range ids {
		owner, ok := strings.CutPrefix(id, PersistenceID(""))
		if !ok || owner == "" {
			continue
		}
		if _, err := s.Aggregate(ctx, owner); err != nil {
			return err
		}
	}
	log.Info().Int("owners", len(s.Owners())).Msg("reminder service started")
	return nil
}

// Stop stops every aggregate and waits for them to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Aggregate returns the running aggregate for owner, recovering it first
// if needed.
func (s *Service) Aggregate(ctx context.Context, owner string) (*Aggregate, error) {
	if owner == "" || strings.ContainsAny(owner, "/ \t\n") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOwner, owner)
	}

	s.mu.Lock()
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	a, ok := s.aggs[owner]
	if !ok {
		a = New(owner, s.store, s.codec, s.opts)
		s.aggs[owner] = a
		s.wg.Add(1)
		go func(runCtx context.Context) {
			defer s.wg.Done()
			if err := a.Run(runCtx); err != nil {
				// forget it so the next call retries recovery
				s.mu.Lock()
				if s.aggs[owner] == a {
					delete(s.aggs, owner)
				}
				s.mu.Unlock()
			}
		}(s.ctx)
	}
	s.mu.Unlock()

	select {
	case <-a.Ready():
		return a, nil
	case <-a.Done():
		if err := a.Err(); err != nil {
			return nil, err
		}
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Owners lists the owners with a running aggregate.
func (s *Service) Owners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.aggs))
	for owner, a := range s.aggs {
		select {
		case <-a.Ready():
			out = append(out, owner)
		default:
		}
	}
	sort.Strings(out)
	return out
}

func (s *Service) Schedule(ctx context.Context, owner string, cmd domain.Schedule) (Receipt, error) {
	a, err := s.Aggregate(ctx, owner)
	if err != nil {
		return Receipt{}, err
	}
	return a.Schedule(ctx, cmd)
}

func (s *Service) Cancel(ctx context.Context, owner string, cmd domain.Cancel) (Receipt, error) {
	a, err := s.Aggregate(ctx, owner)
	if err != nil {
		return Receipt{}, err
	}
	return a.Cancel(ctx, cmd)
}

func (s *Service) State(ctx context.Context, owner string) (domain.State, error) {
	a, err := s.Aggregate(ctx, owner)
	if err != nil {
		return domain.State{}, err
	}
	return a.State(ctx)
}

func (s *Service) Handle(ctx context.Context, owner string, msg domain.Message) (any, error) {
	a, err := s.Aggregate(ctx, owner)
	if err != nil {
		return nil, err
	}
	return a.Handle(ctx, msg)
}

func (s *Service) Due(ctx context.Context, owner string, now time.Time) ([]domain.Entry, error) {
	a, err := s.Aggregate(ctx, owner)
	if err != nil {
		return nil, err
	}
	return a.Due(ctx, now)
}

func (s *Service) Fire(ctx context.Context, owner, taskID string, dueAt time.Time) (bool, error) {
	a, err := s.Aggregate(ctx, owner)
	if err != nil {
		return false, err
	}
	return a.Fire(ctx, taskID, dueAt)
}
