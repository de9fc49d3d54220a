package scheduler

import (
	"context"
	"time"

	"github.com/example/wodbooker/internal/logger"
)

// Rules lists the active booking rules with their revision.
type Rules interface {
	ActiveRevisions(ctx context.Context) (map[int64]int64, error)
}

// Workers is the registry the scheduler drives.
type Workers interface {
	Start(id int64) bool
	Stop(id int64) bool
	Running(id int64) bool
	IDs() []int64
	// Terminated reports that the last worker for id ended for good, e.g. a
	// fatal error whose deactivation could not be written.
	Terminated(id int64) bool
}

// Scheduler polls the rules and keeps one worker per active rule. Rules that
// were switched off or deleted lose their worker and edited rules, seen as
// a new revision, get a fresh one.
type Scheduler struct {
	Rules    Rules
	Workers  Workers
	Interval time.Duration
	Log      logger.Logger

	// revision each running worker was started for; owned by Run
	seen map[int64]int64
}

func (s *Scheduler) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		s.Interval = 30 * time.Second
	}
	if s.Log == nil {
		s.Log = logger.Nop()
	}
	t := time.NewTicker(s.Interval)
	defer t.Stop()

	// kick immediately, this resumes every active rule after a restart
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.seen == nil {
		s.seen = map[int64]int64{}
	}
	active, err := s.Rules.ActiveRevisions(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.Log.Error("scheduler: active rules query failed", logger.Error(err))
		}
		return
	}

	for _, id := range s.Workers.IDs() {
		rev, ok := active[id]
		switch {
		case !ok:
			s.Log.Info("scheduler: rule no longer active", logger.Int64("booking_id", id))
			s.Workers.Stop(id)
			delete(s.seen, id)
		case s.known(id) && s.seen[id] != rev:
			s.Log.Info("scheduler: rule changed, restarting worker",
				logger.Int64("booking_id", id), logger.Int64("revision", rev))
			s.Workers.Stop(id)
			delete(s.seen, id)
		}
	}

	started := 0
	for id, rev := range active {
		if s.Workers.Running(id) {
			if !s.known(id) {
				s.seen[id] = rev
			}
			continue
		}
		if s.known(id) && s.seen[id] == rev && s.Workers.Terminated(id) {
			// wait for the rule to be edited
			continue
		}
		if s.Workers.Start(id) {
			s.seen[id] = rev
			started++
		}
	}
	for id := range s.seen {
		if _, ok := active[id]; !ok {
			delete(s.seen, id)
		}
	}
	if started > 0 {
		s.Log.Info("scheduler: started workers", logger.Int("count", started), logger.Int("active", len(active)))
	}
}

func (s *Scheduler) known(id int64) bool {
	_, ok := s.seen[id]
	return ok
}
