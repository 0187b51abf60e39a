// Package reminder runs the event-sourced reminder aggregates.
//
// An Aggregate owns the schedule of one owner. All commands go through its
// mailbox and are handled one at a time: validate, encode, append to the
// journal, and only then fold the event into State and reply. A failed
// append leaves State untouched and the caller gets the error.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"reminders/internal/domain"
	"reminders/internal/journal"
	"reminders/internal/metrics"
	"reminders/internal/serialization"
)

var (
	ErrTriggerInPast    = errors.New("trigger time is in the past")
	ErrInvalidInterval  = errors.New("repeat interval must not be negative")
	ErrMissingPayload   = errors.New("message payload is required")
	ErrMissingRecipient = errors.New("recipient is required")
	ErrStopped          = errors.New("reminder aggregate stopped")
)

// PersistenceID is the journal id used for owner.
func PersistenceID(owner string) string { return "reminders-" + owner }

// NewTaskID generates an id for a Schedule that did not carry one.
func NewTaskID() string { return "rem_" + uuid.NewString() }

type Options struct {
	// PastTolerance is how far in the past a trigger may lie. Negative
	// disables the check.
	PastTolerance time.Duration
	// SnapshotEvery saves a State snapshot after that many events; 0 disables.
	SnapshotEvery    int
	DeleteOnSnapshot bool
	MailboxSize      int
	Metrics          metrics.Recorder
	Now              func() time.Time
}

func DefaultOptions() Options {
	return Options{
		PastTolerance: time.Minute,
		SnapshotEvery: 100,
		MailboxSize:   64,
	}
}

func (o Options) withDefaults() Options {
	if o.MailboxSize <= 0 {
		o.MailboxSize = 64
	}
	if o.SnapshotEvery < 0 {
		o.SnapshotEvery = 0
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Nop{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Receipt is the reply to an accepted Schedule or Cancel.
type Receipt struct {
	TaskID string
	Ack    any
}

type Aggregate struct {
	owner string
	id    string
	store journal.Store
	codec *serialization.Codec
	opts  Options

	mailbox chan func()
	ready   chan struct{}
	done    chan struct{}
	stop    chan struct{}
	err     error

	// owned by the mailbox goroutine
	state         domain.State
	seq           uint64
	sinceSnapshot int
}

func New(owner string, store journal.Store, codec *serialization.Codec, opts Options) *Aggregate {
	opts = opts.withDefaults()
	return &Aggregate{
		owner:   owner,
		id:      PersistenceID(owner),
		store:   store,
		codec:   codec,
		opts:    opts,
		mailbox: make(chan func(), opts.MailboxSize),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
		state:   domain.NewState(),
	}
}

func (a *Aggregate) Owner() string { return a.owner }

// Ready is closed once recovery finished and commands are being processed.
func (a *Aggregate) Ready() <-chan struct{} { return a.ready }

// Done is closed when Run returned.
func (a *Aggregate) Done() <-chan struct{} { return a.done }

// Err reports why Run returned, if it failed.
func (a *Aggregate) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Stop ends Run after the command in progress.
func (a *Aggregate) Stop() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
}

// Run recovers the state from the journal and then processes the mailbox
// until ctx is done or Stop is called. Commands sent before recovery
// finished wait in the mailbox.
func (a *Aggregate) Run(ctx context.Context) error {
	defer close(a.done)

	if err := a.recover(ctx); err != nil {
		a.err = fmt.Errorf("recover %s: %w", a.id, err)
		log.Error().Err(err).Str("owner", a.owner).Msg("reminder recovery failed")
		return a.err
	}
	log.Debug().Str("owner", a.owner).Uint64("seq", a.seq).Int("entries", a.state.Len()).Msg("reminder aggregate recovered")
	a.opts.Metrics.Pending(a.owner, a.state.Len())
	close(a.ready)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.stop:
			return nil
		case fn := <-a.mailbox:
			fn()
		}
	}
}

func (a *Aggregate) recover(ctx context.Context) error {
	st := domain.NewState()
	var seq uint64

	snap, ok, err := a.store.LoadSnapshot(ctx, a.id)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if ok {
		msg, err := a.codec.Decode(snap.Manifest, snap.Payload)
		if err != nil {
			return fmt.Errorf("decode snapshot %d: %w", snap.Seq, err)
		}
		s, isState := msg.(domain.State)
		if !isState {
			return fmt.Errorf("snapshot %d holds %T, not a state", snap.Seq, msg)
		}
		st, seq = s.Clone(), snap.Seq
	}

	replayed := 0
	for rec, err := range a.store.ReadFrom(ctx, a.id, seq+1) {
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
		ev, err := a.codec.DecodeEvent(rec.Manifest, rec.Payload)
		if err != nil {
			return fmt.Errorf("replay seq %d: %w", rec.Seq, err)
		}
		st.Apply(ev)
		seq = rec.Seq
		replayed++
	}

	a.state, a.seq, a.sinceSnapshot = st, seq, replayed
	return nil
}

// ask runs fn on the mailbox goroutine and waits for its result.
func ask[T any](ctx context.Context, a *Aggregate, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero   T
		result T
		err    error
	)
	finished := make(chan struct{})
	job := func() {
		defer close(finished)
		result, err = fn(ctx)
	}

	select {
	case a.mailbox <- job:
	case <-a.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case <-finished:
		return result, err
	case <-a.done:
		// Run may have exited with the job still queued
		select {
		case <-finished:
			return result, err
		default:
			return zero, ErrStopped
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Schedule validates and persists cmd. The receipt carries the task id
// (generated when cmd had none) and cmd.Ack.
func (a *Aggregate) Schedule(ctx context.Context, cmd domain.Schedule) (Receipt, error) {
	return ask(ctx, a, func(ctx context.Context) (Receipt, error) {
		return a.schedule(ctx, cmd)
	})
}

func (a *Aggregate) schedule(ctx context.Context, cmd domain.Schedule) (Receipt, error) {
	if cmd.TaskID == "" {
		cmd.TaskID = NewTaskID()
	}
	if cmd.Recipient.IsZero() {
		return Receipt{}, ErrMissingRecipient
	}
	if cmd.Message == nil {
		return Receipt{}, ErrMissingPayload
	}
	if cmd.RepeatInterval < 0 {
		return Receipt{}, fmt.Errorf("%w: %s", ErrInvalidInterval, cmd.RepeatInterval)
	}
	cmd.TriggerAt = domain.Normalize(cmd.TriggerAt)
	every := cmd.RepeatInterval.Truncate(domain.Tick)
	if every == 0 && cmd.RepeatInterval != 0 {
		return Receipt{}, fmt.Errorf("%w: %s is below %s", ErrInvalidInterval, cmd.RepeatInterval, domain.Tick)
	}
	cmd.RepeatInterval = every

	if tol := a.opts.PastTolerance; tol >= 0 {
		if earliest := a.opts.Now().Add(-tol); cmd.TriggerAt.Before(earliest) {
			return Receipt{}, fmt.Errorf("%w: %s is before %s", ErrTriggerInPast,
				cmd.TriggerAt.Format(time.RFC3339Nano), earliest.UTC().Format(time.RFC3339Nano))
		}
	}

	if err := a.persist(ctx, domain.Scheduled{Entry: cmd.Entry()}); err != nil {
		return Receipt{}, err
	}
	a.opts.Metrics.Scheduled(a.owner)
	log.Info().
		Str("owner", a.owner).
		Str("task_id", cmd.TaskID).
		Str("recipient", cmd.Recipient.String()).
		Time("trigger_at", cmd.TriggerAt).
		Dur("repeat", cmd.RepeatInterval).
		Msg("reminder scheduled")
	return Receipt{TaskID: cmd.TaskID, Ack: cmd.Ack}, nil
}

// Cancel removes a task. Cancelling an unknown task succeeds without
// writing anything.
func (a *Aggregate) Cancel(ctx context.Context, cmd domain.Cancel) (Receipt, error) {
	return ask(ctx, a, func(ctx context.Context) (Receipt, error) {
		receipt := Receipt{TaskID: cmd.TaskID, Ack: cmd.Ack}
		if _, ok := a.state.Get(cmd.TaskID); !ok {
			log.Debug().Str("owner", a.owner).Str("task_id", cmd.TaskID).Msg("cancel for unknown task")
			return receipt, nil
		}
		if err := a.persist(ctx, domain.Cancel{TaskID: cmd.TaskID}); err != nil {
			return Receipt{}, err
		}
		a.opts.Metrics.Cancelled(a.owner)
		log.Info().Str("owner", a.owner).Str("task_id", cmd.TaskID).Msg("reminder cancelled")
		return receipt, nil
	})
}

// Fire records a delivery of the occurrence due at dueAt. It does nothing
// and returns false when the task is gone or was moved meanwhile.
func (a *Aggregate) Fire(ctx context.Context, taskID string, dueAt time.Time) (bool, error) {
	return ask(ctx, a, func(ctx context.Context) (bool, error) {
		e, ok := a.state.Get(taskID)
		if !ok || !e.TriggerAt.Equal(dueAt) {
			return false, nil
		}
		ev := domain.Completed{TaskID: taskID, CompletedAt: domain.Normalize(a.opts.Now())}
		if err := a.persist(ctx, ev); err != nil {
			return false, err
		}
		a.opts.Metrics.Completed(a.owner)
		return true, nil
	})
}

// State returns a copy of the current schedule.
func (a *Aggregate) State(ctx context.Context) (domain.State, error) {
	return ask(ctx, a, func(context.Context) (domain.State, error) {
		return a.state.Clone(), nil
	})
}

// Due returns the entries whose trigger time is not after now.
func (a *Aggregate) Due(ctx context.Context, now time.Time) ([]domain.Entry, error) {
	return ask(ctx, a, func(context.Context) ([]domain.Entry, error) {
		return a.state.Due(now), nil
	})
}

// Handle dispatches a decoded command. Schedule and Cancel reply with their
// ack (possibly nil), GetState with the State.
func (a *Aggregate) Handle(ctx context.Context, msg domain.Message) (any, error) {
	switch m := msg.(type) {
	case domain.Schedule:
		r, err := a.Schedule(ctx, m)
		if err != nil {
			return nil, err
		}
		return r.Ack, nil
	case domain.Cancel:
		r, err := a.Cancel(ctx, m)
		if err != nil {
			return nil, err
		}
		return r.Ack, nil
	case domain.GetState:
		return a.State(ctx)
	default:
		return nil, fmt.Errorf("%w: %T is not a command", serialization.ErrUnsupported, msg)
	}
}

// persist appends ev and folds it. Called on the mailbox goroutine only.
func (a *Aggregate) persist(ctx context.Context, ev domain.Event) error {
	tag, body, err := a.codec.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	rec := journal.Record{Seq: a.seq + 1, Manifest: tag, Payload: body, At: a.opts.Now()}
	if err := a.store.Append(ctx, a.id, rec); err != nil {
		a.resync(ctx)
		return fmt.Errorf("persist %s event: %w", tag, err)
	}
	a.seq = rec.Seq
	a.state.Apply(ev)
	a.sinceSnapshot++
	a.opts.Metrics.Pending(a.owner, a.state.Len())

	if a.opts.SnapshotEvery > 0 && a.sinceSnapshot >= a.opts.SnapshotEvery {
		a.snapshot(ctx)
	}
	return nil
}

// resync reloads state and sequence from the journal after a failed
// append, since the store may have written the record anyway.
func (a *Aggregate) resync(ctx context.Context) {
	seq := a.seq
	if err := a.recover(ctx); err != nil {
		log.Warn().Err(err).Str("owner", a.owner).Msg("resync after failed append")
		return
	}
	if a.seq != seq {
		log.Warn().Str("owner", a.owner).Uint64("from", seq).Uint64("to", a.seq).Msg("journal moved ahead of memory state")
	}
	a.opts.Metrics.Pending(a.owner, a.state.Len())
}

// snapshot failures are logged only; the events are already durable.
func (a *Aggregate) snapshot(ctx context.Context) {
	tag, body, err := a.codec.Encode(a.state)
	if err != nil {
		log.Warn().Err(err).Str("owner", a.owner).Msg("encode snapshot failed")
		return
	}
	snap := journal.Snapshot{Seq: a.seq, Manifest: tag, Payload: body, At: a.opts.Now()}
	if err := a.store.SaveSnapshot(ctx, a.id, snap); err != nil {
		log.Warn().Err(err).Str("owner", a.owner).Uint64("seq", a.seq).Msg("save snapshot failed")
		return
	}
	a.sinceSnapshot = 0
	log.Debug().Str("owner", a.owner).Uint64("seq", a.seq).Msg("snapshot saved")

	if a.opts.DeleteOnSnapshot {
		if err := a.store.DeleteTo(ctx, a.id, a.seq); err != nil {
			log.Warn().Err(err).Str("owner", a.owner).Uint64("seq", a.seq).Msg("journal cleanup failed")
		}
	}
}
