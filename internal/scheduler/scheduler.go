// Package scheduler triggers settlement runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/punchamoorthee/refdrop/internal/service"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type Runner interface {
	Run(ctx context.Context, opts service.RunOptions) (*service.RunReport, error)
}

type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	limit  int
	log    logrus.FieldLogger

	mu  sync.Mutex
	ctx context.Context
}

// New parses a standard five-field cron spec (or a descriptor such as
// "@monthly") and registers the settlement job. Overlapping firings are
// skipped.
func New(spec string, runner Runner, limit int, log logrus.FieldLogger) (*Scheduler, error) {
	s := &Scheduler{
		runner: runner,
		limit:  limit,
		log:    log,
		ctx:    context.Background(),
	}
	cronLog := cron.PrintfLogger(log)
	s.cron = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := s.cron.AddFunc(spec, s.Trigger); err != nil {
		return nil, fmt.Errorf("invalid payout schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing jobs. Values of ctx reach the runner but its
// cancellation does not: a started run always completes and Stop waits for it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop stops the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Trigger performs one settlement run.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	report, err := s.runner.Run(context.WithoutCancel(ctx), service.RunOptions{Limit: s.limit})
	if errors.Is(err, service.ErrRunInProgress) {
		s.log.Info("scheduled payout run skipped: another run in progress")
		return
	}
	if err != nil {
		s.log.WithError(err).Error("scheduled payout run failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"paid":    len(report.Payouts),
		"skipped": report.Skipped,
		"failed":  report.Failed,
	}).Info("scheduled payout run complete")
}
