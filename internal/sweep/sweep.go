// Package sweep runs the periodic maintenance jobs: expired reply locks,
// SLA breach detection and local counter expiry.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wagate/pkg/logx"
)

var ErrUnknownTask = errors.New("sweep: unknown task")

// Func does one pass and reports how many items it handled.
type Func func(ctx context.Context) (int, error)

type Task struct {
	Name  string
	Every time.Duration
	// Timeout bounds a single pass; 0 means Every.
	Timeout time.Duration
	Run     Func
}

type Service struct {
	log logx.Logger

	mu    sync.Mutex
	tasks map[string]*entry
	c     *cron.Cron
	ctx   context.Context
}

type entry struct {
	task Task
	id   cron.EntryID
	// run serializes cron triggers and RunNow.
	run sync.Mutex
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log.With(logx.String("comp", "sweep")), tasks: map[string]*entry{}}
}

// Add registers tasks; a task with the same name is replaced.
func (s *Service) Add(tasks ...Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if t.Name == "" || t.Run == nil || t.Every <= 0 {
			return fmt.Errorf("sweep: invalid task %q", t.Name)
		}
		if old, ok := s.tasks[t.Name]; ok && s.c != nil {
			s.c.Remove(old.id)
		}
		e := &entry{task: t}
		s.tasks[t.Name] = e
		if s.c != nil {
			if err := s.scheduleLocked(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reschedule changes the interval of a registered task.
func (s *Service) Reschedule(name string, every time.Duration) error {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	if every <= 0 || every == e.task.Every {
		return nil
	}
	t := e.task
	t.Every = every
	return s.Add(t)
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	cl := cronLogger{s.log}
	s.c = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	for _, e := range s.tasks {
		if err := s.scheduleLocked(e); err != nil {
			s.c = nil
			return err
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.Int("tasks", len(s.tasks)))
	return nil
}

func (s *Service) scheduleLocked(e *entry) error {
	spec := "@every " + e.task.Every.String()
	id, err := s.c.AddFunc(spec, func() { _, _ = s.runEntry(s.ctx, e, false) })
	if err != nil {
		return fmt.Errorf("sweep: schedule %s: %w", e.task.Name, err)
	}
	e.id = id
	return nil
}

// Stop waits for running passes until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// RunNow runs one pass immediately, waiting if a scheduled pass is in flight.
func (s *Service) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return 0, ErrUnknownTask
	}
	return s.runEntry(ctx, e, true)
}

// Names lists registered tasks.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for n := range s.tasks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *Service) runEntry(ctx context.Context, e *entry, wait bool) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if wait {
		e.run.Lock()
	} else if !e.run.TryLock() {
		s.log.Debug("pass skipped, previous still running", logx.String("task", e.task.Name))
		return 0, nil
	}
	defer e.run.Unlock()

	timeout := e.task.Timeout
	if timeout <= 0 {
		timeout = e.task.Every
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	n, err := e.task.Run(rctx)
	if err != nil {
		s.log.Warn("pass failed", logx.String("task", e.task.Name), logx.Err(err))
		return n, err
	}
	if n > 0 {
		s.log.Debug("pass done", logx.String("task", e.task.Name), logx.Int("items", n), logx.Duration("took", time.Since(start)))
	}
	return n, nil
}

// cronLogger adapts logx to cron.Logger for panic recovery.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
