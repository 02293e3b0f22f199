package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "opsnotify/pkg/logx"
)

// markRetention bounds how long dismiss marks outlive their notification.
const markRetention = 24 * time.Hour

// maintenance runs the periodic cleanup job on a cron schedule.
type maintenance struct {
	s       *Service
	mu      sync.Mutex
	c       *cron.Cron
	running bool
}

func newMaintenance(s *Service) *maintenance { return &maintenance{s: s} }

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}

func (m *maintenance) start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	return m.startLocked()
}

func (m *maintenance) startLocked() error {
	m.s.mu.Lock()
	spec, tz := strings.TrimSpace(m.s.cfg.Schedule), strings.TrimSpace(m.s.cfg.Timezone)
	m.s.mu.Unlock()
	if spec == "" {
		return nil
	}

	loc := time.Local
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return err
		}
		loc = l
	}
	clog := cronLogger{log: m.s.log}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := c.AddFunc(spec, func() { m.s.Maintain(context.Background()) }); err != nil {
		return err
	}
	c.Start()
	m.c = c
	m.s.log.Debug("maintenance scheduled", logx.String("schedule", spec), logx.String("tz", loc.String()))
	return nil
}

func (m *maintenance) stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.running = false
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// restart reschedules after a config change. Before start or after stop
// it does nothing.
func (m *maintenance) restart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	if m.c != nil {
		<-m.c.Stop().Done()
		m.c = nil
	}
	if err := m.startLocked(); err != nil {
		m.s.log.Warn("maintenance reschedule failed", logx.Err(err))
	}
}

// MaintenanceReport is what one maintenance run removed.
type MaintenanceReport struct {
	Expired int `json:"expired"`
	Dedup   int `json:"dedup"`
	Marks   int `json:"marks"`
}

// Maintain prunes expired notices, dedup keys and stale marks.
func (s *Service) Maintain(ctx context.Context) MaintenanceReport {
	now := s.clock.Now()
	var r MaintenanceReport
	r.Expired = s.engine.PruneExpired(now)
	if s.store != nil {
		n, err := s.store.PruneDedup(ctx, now)
		if err != nil {
			s.log.Debug("dedup prune failed", logx.Err(err))
		}
		r.Dedup = n
	}
	r.Marks = s.pruneMarks(ctx, now, markRetention)
	if r.Expired+r.Dedup+r.Marks > 0 {
		s.log.Info("maintenance pruned",
			logx.Int("expired", r.Expired),
			logx.Int("dedup", r.Dedup),
			logx.Int("marks", r.Marks),
		)
	}
	return r
}
