package plugin

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"plugbridge/internal/domain"
)

const (
	defaultUpdateInterval = 12 * time.Hour
	updateCheckTimeout    = 2 * time.Minute
)

// UpdateChecker rate-limits registry update checks. Automatic checks run at
// most once per interval; CheckNow always asks the registry.
type UpdateChecker struct {
	installer *Installer
	store     domain.PluginStore
	limiter   *rate.Limiter
	interval  time.Duration
	bus       domain.EventBus
	logger    *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewUpdateChecker creates an update checker with the given minimum interval.
func NewUpdateChecker(installer *Installer, store domain.PluginStore, interval time.Duration, bus domain.EventBus, logger *slog.Logger) *UpdateChecker {
	if interval <= 0 {
		interval = defaultUpdateInterval
	}
	return &UpdateChecker{
		installer: installer,
		store:     store,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		interval:  interval,
		bus:       bus,
		logger:    logger,
	}
}

// CheckAutomatic runs a check unless one already ran within the interval.
// The boolean reports whether the registry was asked.
func (u *UpdateChecker) CheckAutomatic(ctx context.Context) (*domain.UpdatesAvailable, bool, error) {
	if !u.limiter.Allow() {
		u.logger.Debug("update check skipped, too soon")
		return nil, false, nil
	}
	res, err := u.check(ctx)
	return res, true, err
}

// CheckNow asks the registry regardless of the last check.
func (u *UpdateChecker) CheckNow(ctx context.Context) (*domain.UpdatesAvailable, error) {
	return u.check(ctx)
}

func (u *UpdateChecker) check(ctx context.Context) (*domain.UpdatesAvailable, error) {
	plugins, err := u.store.ListPlugins(ctx)
	if err != nil {
		return nil, err
	}
	res, err := u.installer.CheckUpdates(ctx, plugins)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, p := range plugins {
		if !p.FromRegistry() {
			continue
		}
		p.CheckedAt = &now
		if err := u.store.UpsertPlugin(ctx, &p); err != nil {
			u.logger.Warn("record update check", "dir", p.Directory, "error", err)
		}
	}

	if len(res.Plugins) > 0 {
		u.logger.Info("plugin updates available", "count", len(res.Plugins))
		if u.bus != nil {
			u.bus.Publish(ctx, domain.Event{Type: domain.EventUpdatesAvailable, Payload: mustJSON(res)})
		}
	}
	return res, nil
}

// Schedule runs an automatic check every interval until Stop or ctx is done.
func (u *UpdateChecker) Schedule(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cron != nil {
		return
	}

	u.ctx, u.cancel = context.WithCancel(ctx)
	u.cron = cron.New()
	u.cron.Schedule(cron.Every(u.interval), cron.FuncJob(func() {
		u.mu.Lock()
		jobCtx := u.ctx
		u.mu.Unlock()
		if jobCtx == nil || jobCtx.Err() != nil {
			return
		}

		checkCtx, cancel := context.WithTimeout(jobCtx, updateCheckTimeout)
		defer cancel()
		start := time.Now()
		if _, _, err := u.CheckAutomatic(checkCtx); err != nil {
			u.logger.Warn("scheduled update check failed", "error", err, "duration", time.Since(start))
		}
	}))
	u.cron.Start()
	u.logger.Info("update checks scheduled", "interval", u.interval)
}

// Stop cancels scheduled checks and waits for a running one to finish.
func (u *UpdateChecker) Stop() {
	u.mu.Lock()
	c := u.cron
	if c == nil {
		u.mu.Unlock()
		return
	}
	u.cron = nil
	u.cancel()
	u.ctx = nil
	u.mu.Unlock()

	<-c.Stop().Done()
}
