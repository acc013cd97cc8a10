package workers

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"fieldtrack-api/api/services"
	"fieldtrack-api/pkg/config"
	"fieldtrack-api/pkg/shared"
)

// Scheduler runs the periodic singletons: the alert evaluation tick
// and the daily retention sweep. A DB lease makes each task a
// singleton across processes when several API instances share the
// database.
type Scheduler struct {
	db     *sql.DB
	cfg    *config.Config
	alerts *services.AlertService
	holder string
	cancel context.CancelFunc
}

func NewScheduler(db *sql.DB, cfg *config.Config, alerts *services.AlertService) *Scheduler {
	return &Scheduler{
		db:     db,
		cfg:    cfg,
		alerts: alerts,
		holder: uuid.New().String(),
	}
}

func (s *Scheduler) Name() string {
	return "scheduler"
}

func (s *Scheduler) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	tickInterval := time.Duration(s.cfg.AlertTickSec) * time.Second
	alertTicker := time.NewTicker(tickInterval)
	defer alertTicker.Stop()

	retentionTicker := time.NewTicker(24 * time.Hour)
	defer retentionTicker.Stop()

	log.Printf("[%s] Alert tick every %s, retention sweep daily", s.Name(), tickInterval)

	// One retention pass on boot catches up after downtime.
	s.runWithLease("retention", 23*time.Hour, func(now time.Time) {
		s.alerts.RetentionSweep(now)
	})

	for {
		select {
		case <-ctx.Done():
			log.Printf("[%s] Worker stopping", s.Name())
			return ctx.Err()
		case <-alertTicker.C:
			s.runWithLease("alert-tick", 2*tickInterval, func(now time.Time) {
				s.alerts.EvaluateAll(now)
			})
		case <-retentionTicker.C:
			s.runWithLease("retention", 23*time.Hour, func(now time.Time) {
				s.alerts.RetentionSweep(now)
			})
		}
	}
}

func (s *Scheduler) runWithLease(name string, ttl time.Duration, fn func(now time.Time)) {
	now := time.Now().UTC()
	ok, err := s.acquireLease(name, ttl, now)
	if err != nil {
		log.Printf("[%s] Lease %s: %v", s.Name(), name, err)
		return
	}
	if !ok {
		return
	}
	fn(now)
}

// acquireLease takes or renews the named lease. A lease held by
// another live holder blocks; an expired one is taken over.
func (s *Scheduler) acquireLease(name string, ttl time.Duration, now time.Time) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var holder, expiresStr string
	err = tx.QueryRow(`SELECT holder, expires_at FROM leases WHERE name = ?`, name).Scan(&holder, &expiresStr)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to read lease: %w", err)
	}

	if err == nil && holder != s.holder {
		if expires, perr := time.Parse(time.RFC3339Nano, expiresStr); perr == nil && now.Before(expires) {
			return false, nil
		}
	}

	_, err = tx.Exec(`
		INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at`,
		name, s.holder, shared.FormatTime(now.Add(ttl)))
	if err != nil {
		return false, fmt.Errorf("failed to write lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lease: %w", err)
	}
	return true, nil
}
