package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/breeze-rmm/dlc/internal/config"
	"github.com/breeze-rmm/dlc/internal/health"
	"github.com/breeze-rmm/dlc/internal/logging"
	"github.com/breeze-rmm/dlc/pkg/dlc"
)

var log = logging.L("dlc-fetch")

var errNoURL = errors.New("superpack URL required: use --url or set superpack_url")

// openSession initializes a manager and drives it until the superpack
// metadata is loaded. mon, when set, watches the session from the start.
func openSession(ctx context.Context, cfg *config.Config, mon *health.Monitor) (*dlc.Manager, error) {
	if cfg.SuperpackURL == "" {
		return nil, errNoURL
	}
	m := dlc.New(dlc.WithSourceCredentials(cfg.Credentials()))
	if mon != nil {
		mon.Watch(m)
	}
	if err := m.Initialize(cfg.LocalDir, cfg.SuperpackURL, cfg.Hints()); err != nil {
		return nil, err
	}

	err := drive(ctx, m, cfg.Tick(), func() (bool, error) {
		if mon != nil {
			mon.Observe(m)
		}
		if m.State() == dlc.StateFailed {
			return true, m.InitError()
		}
		return m.IsReady(), nil
	})
	if err != nil {
		m.Deinitialize()
		return nil, err
	}
	return m, nil
}

// drive calls Update every tick until done reports true, an error, or ctx
// ends.
func drive(ctx context.Context, m *dlc.Manager, tick time.Duration, done func() (bool, error)) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	last := time.Now()
	for {
		if ok, err := done(); ok || err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			m.Update(now.Sub(last))
			last = now
		}
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
