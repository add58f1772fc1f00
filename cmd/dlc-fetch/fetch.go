package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/breeze-rmm/dlc/internal/config"
	"github.com/breeze-rmm/dlc/internal/health"
	"github.com/breeze-rmm/dlc/internal/logging"
	"github.com/breeze-rmm/dlc/pkg/dlc"
)

func runFetch(ctx context.Context, cfg *config.Config, packs []string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mon := health.NewMonitor()
	m, err := openSession(ctx, cfg, mon)
	if err != nil {
		return err
	}
	defer m.Deinitialize()

	requests := make([]*dlc.PackRequest, 0, len(packs))
	for _, name := range packs {
		r, err := m.RequestPack(name)
		if err != nil {
			return err
		}
		m.SetRequestPriority(r)
		requests = append(requests, r)
	}
	m.RequestUpdated.Connect(func(r *dlc.PackRequest) {
		if r.Status() == dlc.StatusMounted {
			log.Info("pack ready", logging.KeyPack, r.Name(), "size", formatBytes(r.Size()))
		}
	})

	pause := make(chan os.Signal, 1)
	notifyPause(pause)
	defer signal.Stop(pause)

	start := m.GetProgress()
	bar := progressbar.NewOptions64(int64(start.InQueue),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetWriter(os.Stderr),
	)
	base := start.AlreadyDownloaded

	err = drive(ctx, m, cfg.Tick(), func() (bool, error) {
		select {
		case <-pause:
			m.SetRequestingEnabled(!m.IsRequestingEnabled())
		default:
		}
		if c, ok := mon.Get(health.ComponentDisk); ok && c.Status == health.Unhealthy {
			return true, fmt.Errorf("download stopped: %s", c.Message)
		}
		p := m.GetProgress()
		if p.AlreadyDownloaded >= base {
			bar.Set(int(p.AlreadyDownloaded - base))
		}
		for _, r := range requests {
			if err := r.Err(); err != nil {
				return true, fmt.Errorf("pack %s: %w", r.Name(), err)
			}
			if !r.IsDownloaded() {
				return false, nil
			}
		}
		return true, nil
	})
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	return err
}
