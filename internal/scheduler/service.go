package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"reminders/internal/domain"
	"reminders/internal/metrics"
	"reminders/internal/transport"
	"reminders/internal/worker"
)

// Schedules is the read/report side of the reminder aggregates.
type Schedules interface {
	Owners() []string
	Due(ctx context.Context, owner string, now time.Time) ([]domain.Entry, error)
	Fire(ctx context.Context, owner, taskID string, dueAt time.Time) (bool, error)
}

type Options struct {
	Interval    time.Duration
	Concurrency int
	// DeliveryRate limits sends per second; 0 means unlimited.
	DeliveryRate float64
	// MaxRetryDelay enables per-task backoff after a failed delivery.
	// 0 retries on every tick.
	MaxRetryDelay time.Duration
	SendTimeout   time.Duration
	Metrics       metrics.Recorder
}

type retryState struct {
	dueAt    time.Time
	attempts int
	next     time.Time
}

// Service periodically delivers due entries and reports successful
// deliveries back through Fire.
type Service struct {
	schedules Schedules
	transport transport.Transport
	pool      *worker.Pool
	limiter   *rate.Limiter
	opts      Options
	stop      chan struct{}
	stopOnce  sync.Once

	mu      sync.Mutex
	retries map[string]retryState
}

func NewService(schedules Schedules, t transport.Transport, opts Options) *Service {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	s := &Service{
		schedules: schedules,
		transport: t,
		pool:      worker.NewPool(opts.Concurrency),
		opts:      opts,
		stop:      make(chan struct{}),
		retries:   map[string]retryState{},
	}
	if opts.DeliveryRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.DeliveryRate), max(1, int(opts.DeliveryRate)))
	}
	return s
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.opts.Interval).Int("concurrency", s.opts.Concurrency).Msg("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.processDue(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// processDue delivers everything due at now and waits for the batch.
func (s *Service) processDue(ctx context.Context, now time.Time) {
	seen := map[string]bool{}
	for _, owner := range s.schedules.Owners() {
		due, err := s.schedules.Due(ctx, owner, now)
		if err != nil {
			log.Error().Err(err).Str("owner", owner).Msg("failed to get due reminders")
			continue
		}
		for _, entry := range due {
			seen[retryKey(owner, entry.TaskID)] = true
			if s.backingOff(owner, entry, now) {
				continue
			}
			if !s.pool.Go(ctx, func(ctx context.Context) { s.deliver(ctx, owner, entry, now) }) {
				break
			}
		}
	}
	s.pool.Wait()
	s.forgetExcept(seen)
}

// forgetExcept drops retry bookkeeping for tasks that are no longer due.
func (s *Service) forgetExcept(seen map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.retries {
		if !seen[key] {
			delete(s.retries, key)
		}
	}
}

func retryKey(owner, taskID string) string { return owner + "\x00" + taskID }

func (s *Service) backingOff(owner string, e domain.Entry, now time.Time) bool {
	if s.opts.MaxRetryDelay <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.retries[retryKey(owner, e.TaskID)]
	return ok && st.dueAt.Equal(e.TriggerAt) && now.Before(st.next)
}

func (s *Service) recordFailure(owner string, e domain.Entry, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := retryKey(owner, e.TaskID)
	st := s.retries[key]
	if !st.dueAt.Equal(e.TriggerAt) {
		st = retryState{dueAt: e.TriggerAt}
	}
	st.attempts++
	if s.opts.MaxRetryDelay > 0 {
		st.next = now.Add(worker.Backoff(st.attempts, s.opts.MaxRetryDelay))
	}
	s.retries[key] = st
	return st.attempts
}

func (s *Service) clearFailures(owner, taskID string) {
	s.mu.Lock()
	delete(s.retries, retryKey(owner, taskID))
	s.mu.Unlock()
}

func (s *Service) deliver(ctx context.Context, owner string, e domain.Entry, now time.Time) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}
	scheme := e.Recipient.Scheme
	start := time.Now()

	err := s.send(ctx, e)
	if err != nil {
		attempts := s.recordFailure(owner, e, now)
		s.opts.Metrics.DeliveryFailed(scheme)
		log.Warn().
			Err(err).
			Str("owner", owner).
			Str("task_id", e.TaskID).
			Str("recipient", e.Recipient.String()).
			Int("attempts", attempts).
			Msg("reminder delivery failed")
		return
	}
	s.opts.Metrics.Delivered(scheme, time.Since(start))

	fired, err := s.schedules.Fire(ctx, owner, e.TaskID, e.TriggerAt)
	if err != nil {
		// delivered but not recorded; it will be delivered again
		log.Error().Err(err).Str("owner", owner).Str("task_id", e.TaskID).Msg("failed to record delivery")
		return
	}
	s.clearFailures(owner, e.TaskID)
	log.Info().
		Str("owner", owner).
		Str("task_id", e.TaskID).
		Str("recipient", e.Recipient.String()).
		Time("due_at", e.TriggerAt).
		Bool("completed", fired).
		Msg("reminder delivered")
}

func (s *Service) send(ctx context.Context, e domain.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()
	to, err := s.transport.Resolve(ctx, e.Recipient)
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, to, e.Message)
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
