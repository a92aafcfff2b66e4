// Package monitor periodically checks the Discord gateway connections and
// raises an operational alert when one becomes unrecoverable.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/crystaldolphin/pingbridge/internal/gateway"
)

// DefaultSchedule runs the check once a minute.
const DefaultSchedule = "@every 1m"

// StatusSource reports gateway status by project id.
type StatusSource interface {
	Statuses() map[string]gateway.Status
}

// Alert is one project whose gateway changed health since the last check.
type Alert struct {
	ProjectID string
	Status    gateway.Status
	Recovered bool
}

// Service runs Check on a cron schedule.
type Service struct {
	source   StatusSource
	schedule string
	robfig   *robfigcron.Cron

	mu    sync.Mutex
	fatal map[string]bool // project id → alerted
}

// NewService creates a monitor. schedule accepts a cron expression with an
// optional seconds field and the @every / @hourly descriptors; "" uses
// DefaultSchedule.
func NewService(source StatusSource, schedule string) *Service {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Service{
		source:   source,
		schedule: schedule,
		robfig:   robfigcron.New(robfigcron.WithSeconds()),
		fatal:    make(map[string]bool),
	}
}

// Start schedules the check and blocks until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.robfig.AddFunc(s.schedule, func() { s.Check() }); err != nil {
		return fmt.Errorf("monitor: schedule %q: %w", s.schedule, err)
	}
	s.robfig.Start()
	slog.Info("monitor: started", "schedule", s.schedule)

	<-ctx.Done()

	<-s.robfig.Stop().Done()
	slog.Info("monitor: stopped")
	return nil
}

// Check inspects every connection once. A fatal gateway is reported at error
// level the first time it is seen; recovery is reported once as well.
func (s *Service) Check() []Alert {
	statuses := s.source.Statuses()
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	s.mu.Lock()
	defer s.mu.Unlock()

	var alerts []Alert
	for _, id := range ids {
		st := statuses[id]
		fatal := st.State == gateway.StateFatal
		switch {
		case fatal && !s.fatal[id]:
			s.fatal[id] = true
			slog.Error("monitor: discord gateway is down and will not reconnect",
				"project", id, "since", st.Since.Format(time.RFC3339), "attempts", st.Attempts, "error", st.LastError)
			alerts = append(alerts, Alert{ProjectID: id, Status: st})
		case !fatal && s.fatal[id]:
			delete(s.fatal, id)
			slog.Info("monitor: discord gateway recovered", "project", id, "state", st.State)
			alerts = append(alerts, Alert{ProjectID: id, Status: st, Recovered: true})
		}
	}
	// Projects whose connection was removed no longer need an alert.
	for id := range s.fatal {
		if _, ok := statuses[id]; !ok {
			delete(s.fatal, id)
		}
	}
	return alerts
}
