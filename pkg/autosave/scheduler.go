package autosave

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is the quiet period used when Options.Debounce is zero.
const DefaultDebounce = 200 * time.Millisecond

var (
	ErrNoSaveFunc = errors.New("autosave: OnSave is required")
	ErrClosed     = errors.New("autosave: scheduler is closed")
)

// SaveFunc persists one complete content snapshot.
type SaveFunc[T any] func(ctx context.Context, content T) error

// FingerprintFunc maps content to a deterministic equality key.
type FingerprintFunc[T any] func(content T) (string, error)

type Options[T any] struct {
	OnSave SaveFunc[T]
	// Debounce is the quiet window between the first change of a burst and
	// the save attempt. It also spaces consecutive saves.
	Debounce time.Duration
	// Disabled gates new intake. A save that is already scheduled or running
	// still completes.
	Disabled bool
	OnError  func(error)
	// InitialContent is treated as already persisted so loading a document
	// does not trigger a save.
	InitialContent *T
	Fingerprint    FingerprintFunc[T]
	Clock          Clock
	// SaveTimeout bounds each timer-driven OnSave call. Zero means no deadline.
	SaveTimeout time.Duration
	// ExtendOnChange pushes the deadline out on every change (trailing
	// debounce). By default the window is anchored at the first change of a
	// burst, so later changes coalesce into the already armed save and steady
	// typing still persists about once per Debounce. With ExtendOnChange set,
	// saves wait for a full quiet period: edits A, B and C spaced 150ms apart
	// with a 200ms window produce one save of B and then C by default, but a
	// single save of C when extending. Continuous input then defers the save
	// indefinitely, which Flush or Close bounds.
	ExtendOnChange bool
	// RetainFingerprintOnError keeps the optimistic fingerprint after a failed
	// save, so resubmitting the same content does not retry it.
	RetainFingerprintOnError bool
	OnStatus                 func(Status)
	Logger                   *zerolog.Logger
}

// Status is a point-in-time view of the scheduler for UI indicators.
// Seq increases on every change so observers can drop stale updates.
type Status struct {
	Seq         uint64
	Saving      bool
	Pending     bool
	LastSavedAt time.Time
	LastError   error
}

type pendingSnapshot[T any] struct {
	content T
	fp      string
}

type saveJob[T any] struct {
	content T
	fp      string
	prevFP  string
	hadPrev bool
}

// Scheduler coalesces content snapshots and persists them one at a time.
type Scheduler[T any] struct {
	onSave      SaveFunc[T]
	onError     func(error)
	onStatus    func(Status)
	fingerprint FingerprintFunc[T]
	clock       Clock
	debounce    time.Duration
	saveTimeout time.Duration
	extend      bool
	retainFP    bool
	logger      zerolog.Logger

	mu          sync.Mutex
	enabled     bool
	closed      bool
	pending     *pendingSnapshot[T]
	burstStart  time.Time
	inFlight    bool
	idle        chan struct{}
	lastFP      string
	hasLastFP   bool
	lastSaveAt  time.Time
	lastSavedAt time.Time
	lastErr     error
	timer       Timer
	timerGen    uint64
	deadline    time.Time
	seq         uint64
}

func New[T any](opts Options[T]) (*Scheduler[T], error) {
	if opts.OnSave == nil {
		return nil, ErrNoSaveFunc
	}
	s := &Scheduler[T]{
		onSave:      opts.OnSave,
		onError:     opts.OnError,
		onStatus:    opts.OnStatus,
		fingerprint: opts.Fingerprint,
		clock:       opts.Clock,
		debounce:    opts.Debounce,
		saveTimeout: opts.SaveTimeout,
		extend:      opts.ExtendOnChange,
		retainFP:    opts.RetainFingerprintOnError,
		enabled:     !opts.Disabled,
		idle:        closedChan(),
	}
	if s.fingerprint == nil {
		s.fingerprint = JSONFingerprint[T]
	}
	if s.clock == nil {
		s.clock = WallClock()
	}
	if s.debounce <= 0 {
		s.debounce = DefaultDebounce
	}
	if opts.Logger != nil {
		s.logger = *opts.Logger
	} else {
		s.logger = log.With().Str("component", "autosave").Logger()
	}
	if opts.InitialContent != nil {
		fp, err := s.fingerprint(*opts.InitialContent)
		if err != nil {
			return nil, errors.Wrap(err, "autosave: fingerprint initial content")
		}
		s.lastFP, s.hasLastFP = fp, true
	}
	return s, nil
}

// RequestSave submits the latest complete snapshot. It never blocks on a save.
// It fails with ErrClosed after Close, or when content cannot be serialized.
// Snapshots submitted while intake is disabled are ignored without error.
func (s *Scheduler[T]) RequestSave(content T) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	closed, enabled := s.closed, s.enabled
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !enabled {
		return nil
	}
	fp, err := s.fingerprint(content)
	if err != nil {
		return errors.Wrap(err, "autosave: fingerprint content")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.enabled {
		s.mu.Unlock()
		return nil
	}
	if s.pending != nil && s.pending.fp == fp {
		s.mu.Unlock()
		return nil
	}
	if s.hasLastFP && s.lastFP == fp {
		// The latest state equals what is stored; an older pending edit
		// must not be written over it.
		if s.pending == nil {
			s.mu.Unlock()
			return nil
		}
		if s.inFlight {
			// lastFP is the running save's optimistic value. Keep the revert
			// queued so it is retried if that save fails and rolls back.
			s.pending = &pendingSnapshot[T]{content: content, fp: fp}
			st := s.statusLocked()
			s.mu.Unlock()
			s.emit(st)
			return nil
		}
		s.pending = nil
		s.stopTimerLocked()
		st := s.statusLocked()
		s.mu.Unlock()
		s.emit(st)
		return nil
	}

	now := s.clock.Now()
	if s.pending == nil || s.extend {
		s.burstStart = now
	}
	s.pending = &pendingSnapshot[T]{content: content, fp: fp}
	if !s.inFlight {
		s.armTimerLocked(now)
	}
	st := s.statusLocked()
	s.mu.Unlock()
	s.emit(st)
	return nil
}

// IsSaving reports whether a save is currently outstanding.
func (s *Scheduler[T]) IsSaving() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *Scheduler[T]) Pending() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

func (s *Scheduler[T]) Enabled() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled && !s.closed
}

// SetEnabled toggles intake. Already accepted content is still saved.
func (s *Scheduler[T]) SetEnabled(enabled bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

func (s *Scheduler[T]) Status() Status {
	if s == nil {
		return Status{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Flush waits for an outstanding save, then saves the pending snapshot
// immediately and returns that save's error.
func (s *Scheduler[T]) Flush(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if s.inFlight {
			idle := s.idle
			s.mu.Unlock()
			select {
			case <-idle:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		s.stopTimerLocked()
		job, ok := s.beginLocked()
		st := s.statusLocked()
		s.mu.Unlock()
		if !ok {
			return nil
		}
		s.emit(st)
		return s.run(ctx, job)
	}
}

// Close stops the timer and rejects further intake with ErrClosed. A running
// save is not interrupted, and a pending snapshot can still be written with
// Flush.
func (s *Scheduler[T]) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.stopTimerLocked()
	s.mu.Unlock()
}

func (s *Scheduler[T]) armTimerLocked(now time.Time) {
	s.stopTimerLocked()
	anchor := s.burstStart
	if s.lastSaveAt.After(anchor) {
		anchor = s.lastSaveAt
	}
	s.deadline = anchor.Add(s.debounce)
	delay := s.deadline.Sub(now)
	if delay < 0 {
		delay = 0
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen) })
}

func (s *Scheduler[T]) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler[T]) fire(gen uint64) {
	s.mu.Lock()
	if s.timer == nil || gen != s.timerGen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	s.processPending()
}

func (s *Scheduler[T]) processPending() {
	s.mu.Lock()
	job, ok := s.beginLocked()
	st := s.statusLocked()
	s.mu.Unlock()
	if !ok {
		return
	}
	s.emit(st)

	ctx := context.Background()
	if s.saveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.saveTimeout)
		defer cancel()
	}
	_ = s.run(ctx, job)
}

// beginLocked takes the pending snapshot and marks a save as in flight.
// The fingerprint is advanced before the call so an identical snapshot
// arriving mid-save is recognized as already handled.
func (s *Scheduler[T]) beginLocked() (saveJob[T], bool) {
	if s.inFlight || s.pending == nil {
		return saveJob[T]{}, false
	}
	p := s.pending
	s.pending = nil
	if s.hasLastFP && s.lastFP == p.fp {
		return saveJob[T]{}, false
	}
	job := saveJob[T]{
		content: p.content,
		fp:      p.fp,
		prevFP:  s.lastFP,
		hadPrev: s.hasLastFP,
	}
	s.inFlight = true
	s.idle = make(chan struct{})
	s.lastSaveAt = s.clock.Now()
	s.lastFP, s.hasLastFP = p.fp, true
	return job, true
}

func (s *Scheduler[T]) run(ctx context.Context, job saveJob[T]) error {
	err := s.callSave(ctx, job.content)

	s.mu.Lock()
	s.inFlight = false
	close(s.idle)
	if err != nil {
		s.lastErr = err
		if !s.retainFP && s.hasLastFP && s.lastFP == job.fp {
			s.lastFP, s.hasLastFP = job.prevFP, job.hadPrev
		}
	} else {
		s.lastErr = nil
		s.lastSavedAt = s.clock.Now()
	}
	if s.pending != nil && s.hasLastFP && s.pending.fp == s.lastFP {
		s.pending = nil
	}
	if s.pending != nil && !s.closed {
		s.armTimerLocked(s.clock.Now())
	}
	st := s.statusLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("fingerprint", job.fp).Msg("autosave failed")
		if s.onError != nil {
			s.onError(err)
		}
	} else {
		s.logger.Debug().Str("fingerprint", job.fp).Msg("autosave persisted")
	}
	s.emit(st)
	return err
}

func (s *Scheduler[T]) callSave(ctx context.Context, content T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("autosave: save panicked: %v", r)
		}
	}()
	return s.onSave(ctx, content)
}

func (s *Scheduler[T]) statusLocked() Status {
	s.seq++
	return Status{
		Seq:         s.seq,
		Saving:      s.inFlight,
		Pending:     s.pending != nil,
		LastSavedAt: s.lastSavedAt,
		LastError:   s.lastErr,
	}
}

func (s *Scheduler[T]) emit(st Status) {
	if s.onStatus != nil {
		s.onStatus(st)
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
