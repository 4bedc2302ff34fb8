// Package quota enforces daily API unit budgets. Usage counters live in the
// cache for fast atomic increments and are mirrored to the store so a
// restart never forgets what was already spent today.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"landscape/internal/cache"
	"landscape/internal/config"
	"landscape/internal/store"
)

// ErrExhausted is returned by Consume when the daily budget cannot cover the
// request.
var ErrExhausted = errors.New("quota: daily budget exhausted")

// Mirror persists daily usage; *store.Store satisfies it.
type Mirror interface {
	AddQuotaUnits(ctx context.Context, service, date, kind string, units int) (int, error)
	GetQuotaCounter(ctx context.Context, service, date string) (*store.QuotaCounter, error)
}

// Manager tracks per-service daily unit usage against configured limits.
// Services without a configured limit are unmetered.
type Manager struct {
	cfg    config.QuotaConfig
	cache  cache.Cache
	mirror Mirror
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	zones  map[string]*time.Location
	seeded map[string]bool // (service:date) already warmed from the mirror
}

// NewManager builds a quota manager over the given cache and mirror.
func NewManager(cfg config.QuotaConfig, c cache.Cache, mirror Mirror, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		cache:  c,
		mirror: mirror,
		logger: logger,
		now:    time.Now,
		zones:  map[string]*time.Location{},
		seeded: map[string]bool{},
	}
}

func (m *Manager) zone(service string) *time.Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc, ok := m.zones[service]; ok {
		return loc
	}
	name := m.cfg.ResetZones[service]
	loc, err := time.LoadLocation(name)
	if err != nil || name == "" {
		loc = time.UTC
		if name != "" {
			m.logger.Warn("unknown quota reset zone, using UTC",
				zap.String("service", service), zap.String("zone", name))
		}
	}
	m.zones[service] = loc
	return loc
}

// Date returns today's date key in the service's reset zone.
func (m *Manager) Date(service string) string {
	return m.now().In(m.zone(service)).Format("2006-01-02")
}

// NextReset returns when the service's daily counter rolls over.
func (m *Manager) NextReset(service string) time.Time {
	loc := m.zone(service)
	now := m.now().In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	return midnight.AddDate(0, 0, 1)
}

// Limit returns the daily budget for a service; zero means unmetered.
func (m *Manager) Limit(service string) int {
	return m.cfg.DailyLimits[service]
}

func quotaKey(service, date string) string {
	return "quota:" + service + ":" + date
}

// seed warms the cache counter from the mirror once per (service, date), so
// a restart continues from the persisted total instead of zero.
func (m *Manager) seed(ctx context.Context, service, date string) error {
	key := service + ":" + date
	m.mu.Lock()
	already := m.seeded[key]
	if !already {
		m.seeded[key] = true
	}
	m.mu.Unlock()
	if already || m.mirror == nil {
		return nil
	}

	q, err := m.mirror.GetQuotaCounter(ctx, service, date)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to seed quota counter: %w", err)
	}
	if _, cerr := m.cache.Get(ctx, quotaKey(service, date)); errors.Is(cerr, cache.ErrMiss) {
		ttl := time.Until(m.NextReset(service)) + time.Hour
		return m.cache.Set(ctx, quotaKey(service, date),
			[]byte(strconv.Itoa(q.Units)), ttl)
	}
	return nil
}

// Consume spends units for (service, kind), or returns ErrExhausted without
// spending when the budget cannot cover them. Unmetered services always
// succeed.
func (m *Manager) Consume(ctx context.Context, service, kind string, units int) error {
	limit := m.Limit(service)
	if limit <= 0 || units <= 0 {
		return nil
	}
	date := m.Date(service)
	if err := m.seed(ctx, service, date); err != nil {
		return err
	}

	total, err := m.cache.IncrBy(ctx, quotaKey(service, date), int64(units))
	if err != nil {
		return fmt.Errorf("failed to increment quota: %w", err)
	}
	if total > int64(limit) {
		// Undo the reservation; the budget is unchanged.
		if _, derr := m.cache.IncrBy(ctx, quotaKey(service, date), -int64(units)); derr != nil {
			m.logger.Error("failed to release quota reservation",
				zap.String("service", service), zap.Error(derr))
		}
		return fmt.Errorf("%w: %s needs %d, %d of %d used",
			ErrExhausted, service, units, total-int64(units), limit)
	}

	if m.mirror != nil {
		if _, err := m.mirror.AddQuotaUnits(ctx, service, date, kind, units); err != nil {
			m.logger.Error("failed to mirror quota usage",
				zap.String("service", service), zap.Error(err))
		}
	}
	return nil
}

// Used returns the units spent today for a service.
func (m *Manager) Used(ctx context.Context, service string) (int, error) {
	date := m.Date(service)
	if err := m.seed(ctx, service, date); err != nil {
		return 0, err
	}
	val, err := m.cache.Get(ctx, quotaKey(service, date))
	if errors.Is(err, cache.ErrMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(val))
	if err != nil {
		return 0, fmt.Errorf("corrupt quota counter for %s: %w", service, err)
	}
	return n, nil
}

// Remaining returns the unspent budget for today; unmetered services report
// -1.
func (m *Manager) Remaining(ctx context.Context, service string) (int, error) {
	limit := m.Limit(service)
	if limit <= 0 {
		return -1, nil
	}
	used, err := m.Used(ctx, service)
	if err != nil {
		return 0, err
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// EstimatedBatchSize returns how many items of unitsPerItem cost fit in the
// remaining budget, capped at max. Unmetered services return max.
func (m *Manager) EstimatedBatchSize(ctx context.Context, service string, unitsPerItem, max int) (int, error) {
	if unitsPerItem <= 0 {
		unitsPerItem = 1
	}
	remaining, err := m.Remaining(ctx, service)
	if err != nil {
		return 0, err
	}
	if remaining < 0 {
		return max, nil
	}
	n := remaining / unitsPerItem
	if n > max {
		n = max
	}
	return n, nil
}
