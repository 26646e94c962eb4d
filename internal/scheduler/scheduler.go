// Package scheduler runs configured commands on cron specs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"zigbee-toolkit/internal/config"
	"zigbee-toolkit/internal/toolkit"
)

// Dispatcher executes a request. *toolkit.Router satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *toolkit.Request) (*toolkit.Result, error)
}

// Parser accepts five-field specs, an optional leading seconds field and
// descriptors such as @hourly or @every 10m.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Entry is the state of one schedule.
type Entry struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Command string    `json:"command"`
	Next    time.Time `json:"next"`
	Prev    time.Time `json:"prev,omitempty"`
}

type Scheduler struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	timeout    time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[cron.EntryID]config.Schedule
	ctx     context.Context
	cancel  context.CancelFunc
}

// New builds a scheduler. Each run gets its own context bounded by
// timeout; runs of one schedule never overlap.
func New(d Dispatcher, timeout time.Duration, logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:       cron.New(cron.WithParser(Parser), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		dispatcher: d,
		timeout:    timeout,
		logger:     logger,
		entries:    make(map[cron.EntryID]config.Schedule),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Add registers s. The cron expression is validated immediately.
func (s *Scheduler) Add(sc config.Schedule) error {
	if sc.Name == "" {
		sc.Name = sc.Command
	}
	id, err := s.cron.AddFunc(sc.Spec, func() { s.run(sc) })
	if err != nil {
		return fmt.Errorf("schedule %q: %w", sc.Name, err)
	}
	s.mu.Lock()
	s.entries[id] = sc
	s.mu.Unlock()
	s.logger.Info("schedule added", "name", sc.Name, "spec", sc.Spec, "command", sc.Command)
	return nil
}

// Start begins firing schedules.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels running dispatches and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Entries lists schedules ordered by next run.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.cron.Entries() {
		sc, ok := s.entries[e.ID]
		if !ok {
			continue
		}
		out = append(out, Entry{Name: sc.Name, Spec: sc.Spec, Command: sc.Command, Next: e.Next, Prev: e.Prev})
	}
	return out
}

func (s *Scheduler) run(sc config.Schedule) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	res, err := s.dispatcher.Dispatch(ctx, &toolkit.Request{
		Command: sc.Command,
		IEEE:    sc.IEEE,
		Data:    sc.Data,
		Params:  sc.Params,
		Origin:  "cron",
	})
	if err != nil {
		s.logger.Warn("scheduled command failed", "name", sc.Name, "err", err)
		return
	}
	s.logger.Debug("scheduled command done", "name", sc.Name, "id", res.ID)
}

type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) { c.l.Debug(msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error(msg, append(kv, "err", err)...)
}
