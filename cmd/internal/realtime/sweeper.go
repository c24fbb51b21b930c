package realtime

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically prunes dead connections from the Registry and closes
// connections that never authenticated. It only touches the in-memory registry;
// session records are expired by the session manager.
type Sweeper struct {
	reg         *Registry
	interval    time.Duration
	authTimeout time.Duration
	log         *slog.Logger
	now         func() time.Time
}

// NewSweeper builds a sweeper from cfg.SweepInterval and cfg.AuthTimeout.
func NewSweeper(reg *Registry, cfg Config, log *slog.Logger) *Sweeper {
	cfg.normalize()
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		reg:         reg,
		interval:    cfg.SweepInterval,
		authTimeout: cfg.AuthTimeout,
		log:         log,
		now:         time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.log.Info("sweeper.start", "interval", s.interval, "auth_timeout", s.authTimeout)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper.stop")
			return nil
		case <-t.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs a single pass.
func (s *Sweeper) SweepOnce() SweepResult {
	res := s.reg.Sweep(s.now().UTC(), s.authTimeout)
	if res.Pruned > 0 {
		sweptTotal.WithLabelValues("dead").Add(float64(res.Pruned))
	}
	if res.TimedOut > 0 {
		sweptTotal.WithLabelValues("auth_timeout").Add(float64(res.TimedOut))
	}
	if res.Pruned > 0 || res.TimedOut > 0 {
		st := s.reg.Stats()
		s.log.Info("sweeper.pass",
			"pruned", res.Pruned,
			"auth_timeout", res.TimedOut,
			"users", st.Users,
			"connections", st.Connections,
			"pending", st.Pending,
		)
	}
	return res
}
