package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/jodaltro/tamagotchi/pkg/logger"
)

const DefaultRolloverCron = "5 0 * * *"

type SchedulerConfig struct {
	// Cron decides when the day rollover runs. It covers the previous
	// calendar day in the service location.
	Cron string
	Poll time.Duration
}

// Scheduler runs consolidation off the request path: it ends idle sessions
// and rolls the day over for every stored user when the cron expression is due.
type Scheduler struct {
	svc  *Service
	cfg  SchedulerConfig
	now  func() time.Time
	last time.Time

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewScheduler(svc *Service, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Cron == "" {
		cfg.Cron = DefaultRolloverCron
	}
	if !gronx.New().IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid rollover cron expression %q", cfg.Cron)
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 30 * time.Second
	}
	return &Scheduler{
		svc:    svc,
		cfg:    cfg,
		now:    svc.now,
		stopCh: make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick runs one scheduling pass at the current time.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	s.endIdleSessions(ctx, now)
	if s.rolloverDue(now) {
		s.rolloverAll(ctx, now.In(s.svc.cfg.Location).AddDate(0, 0, -1))
	}
}

func (s *Scheduler) endIdleSessions(ctx context.Context, now time.Time) {
	for _, userID := range s.svc.IdleSessions(now) {
		report, err := s.svc.EndSession(ctx, userID)
		if err != nil {
			logger.WarnCF("scheduler", "Idle session not consolidated", map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
			continue
		}
		logger.InfoCF("scheduler", "Idle session ended", map[string]interface{}{
			"user_id": userID,
			"events":  report.EventsCreated,
		})
	}
}

// rolloverDue fires at most once per matching minute.
func (s *Scheduler) rolloverDue(now time.Time) bool {
	minute := now.Truncate(time.Minute)
	if minute.Equal(s.last) {
		return false
	}
	due, err := gronx.New().IsDue(s.cfg.Cron, now.In(s.svc.cfg.Location))
	if err != nil {
		logger.ErrorCF("scheduler", "Cron evaluation failed", map[string]interface{}{
			"cron":  s.cfg.Cron,
			"error": err.Error(),
		})
		return false
	}
	if due {
		s.last = minute
	}
	return due
}

// RolloverAll rolls day over for every stored user.
func (s *Scheduler) RolloverAll(ctx context.Context, day time.Time) int {
	return s.rolloverAll(ctx, day)
}

func (s *Scheduler) rolloverAll(ctx context.Context, day time.Time) int {
	users, err := s.svc.ListUsers(ctx)
	if err != nil {
		logger.ErrorCF("scheduler", "Could not list users for rollover", map[string]interface{}{
			"error": err.Error(),
		})
		return 0
	}
	done := 0
	for _, userID := range users {
		digest, err := s.svc.RolloverDay(ctx, userID, day)
		if err != nil {
			logger.WarnCF("scheduler", "Day rollover failed", map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
			continue
		}
		done++
		logger.DebugCF("scheduler", "Digest stored", map[string]interface{}{
			"user_id": userID,
			"date":    digest.Date,
		})
	}
	return done
}
