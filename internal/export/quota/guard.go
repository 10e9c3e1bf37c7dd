package quota

import (
	"context"
	"errors"
	"time"

	"dataport/internal/common/db"
	appErr "dataport/pkg/errors"
)

const (
	DefaultCeiling = 5
	DefaultWindow  = 24 * time.Hour
)

// Counter is the store surface the guard needs.
type Counter interface {
	LockSubject(ctx context.Context, tx db.Transaction, subjectID string) error
	CountRequestedSince(ctx context.Context, tx db.Transaction, subjectID string, since time.Time) (int, *time.Time, error)
}

// Config configures a Guard.
type Config struct {
	Ceiling int
	Window  time.Duration
	Now     func() time.Time
}

// Summary is the subject's position in the rolling window.
type Summary struct {
	Used      int           `json:"used"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	Window    time.Duration `json:"-"`
	WindowSec int64         `json:"window_seconds"`
	ResetsAt  *time.Time    `json:"resets_at,omitempty"`
}

// Guard enforces a per-subject request ceiling over a rolling window.
type Guard struct {
	tx      db.Transactor
	counter Counter
	cfg     Config
}

// NewGuard creates a guard. Admission runs inside transactions of tx.
func NewGuard(tx db.Transactor, counter Counter, cfg Config) (*Guard, error) {
	if tx == nil || counter == nil {
		return nil, errors.New("transactor and counter are required")
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guard{tx: tx, counter: counter, cfg: cfg}, nil
}

// Admit locks the subject, counts its requests in the window and runs
// create in the same transaction when the ceiling is not reached. A rejected
// admission creates nothing.
func (g *Guard) Admit(ctx context.Context, subjectID string, create func(tx db.Transaction) error) (Summary, error) {
	var summary Summary
	err := g.tx.Transaction(ctx, func(tx db.Transaction) error {
		if err := g.counter.LockSubject(ctx, tx, subjectID); err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "lock quota failed")
		}
		s, err := g.summary(ctx, tx, subjectID)
		if err != nil {
			return err
		}
		if s.Used >= s.Limit {
			summary = s
			quotaErr := appErr.New(appErr.ExportQuotaExceeded).
				WithDetail("used", s.Used).
				WithDetail("limit", s.Limit)
			if s.ResetsAt != nil {
				quotaErr = quotaErr.WithDetail("resets_at", s.ResetsAt.UTC().Format(time.RFC3339))
			}
			return quotaErr
		}
		if err := create(tx); err != nil {
			return err
		}
		s.Used++
		s.Remaining--
		if s.ResetsAt == nil {
			resets := g.cfg.Now().Add(g.cfg.Window)
			s.ResetsAt = &resets
		}
		summary = s
		return nil
	})
	return summary, err
}

// Summary reports the subject's current usage without reserving a slot.
func (g *Guard) Summary(ctx context.Context, subjectID string) (Summary, error) {
	return g.summary(ctx, nil, subjectID)
}

func (g *Guard) summary(ctx context.Context, tx db.Transaction, subjectID string) (Summary, error) {
	since := g.cfg.Now().Add(-g.cfg.Window)
	used, oldest, err := g.counter.CountRequestedSince(ctx, tx, subjectID, since)
	if err != nil {
		return Summary{}, appErr.Wrapf(err, appErr.DatabaseError, "count export requests failed")
	}
	s := Summary{
		Used:      used,
		Limit:     g.cfg.Ceiling,
		Remaining: max(g.cfg.Ceiling-used, 0),
		Window:    g.cfg.Window,
		WindowSec: int64(g.cfg.Window / time.Second),
	}
	if oldest != nil {
		resets := oldest.Add(g.cfg.Window)
		s.ResetsAt = &resets
	}
	return s, nil
}
