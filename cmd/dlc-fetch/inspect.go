package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/dlc/internal/config"
	"github.com/breeze-rmm/dlc/internal/health"
	"github.com/breeze-rmm/dlc/pkg/litefs"
)

type packReport struct {
	Name         string   `yaml:"name"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	Requires     []string `yaml:"requires,omitempty"`
	Files        int      `yaml:"files"`
	Size         string   `yaml:"size"`
	Downloaded   bool     `yaml:"downloaded"`
}

type superpackReport struct {
	URL   string       `yaml:"url"`
	Packs []packReport `yaml:"packs"`
}

func runInspect(ctx context.Context, cfg *config.Config, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := openSession(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer m.Deinitialize()

	names, err := m.Packs()
	if err != nil {
		return err
	}
	report := superpackReport{URL: cfg.SuperpackURL}
	for _, name := range names {
		info, err := m.PackInfo(name)
		if err != nil {
			return err
		}
		report.Packs = append(report.Packs, packReport{
			Name:         info.Name,
			Dependencies: info.Dependencies,
			Requires:     info.Requires,
			Files:        len(info.Files),
			Size:         formatBytes(info.Size),
			Downloaded:   info.Downloaded,
		})
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return err
	}
	return enc.Close()
}

func runStatus(ctx context.Context, cfg *config.Config, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mon := health.NewMonitor()
	m, err := openSession(ctx, cfg, mon)
	if err != nil {
		return err
	}
	defer m.Deinitialize()

	p := m.GetProgress()
	pct := 0.0
	if p.Total > 0 {
		pct = float64(p.AlreadyDownloaded) * 100 / float64(p.Total)
	}
	fmt.Fprintf(out, "Superpack: %s\n", cfg.SuperpackURL)
	fmt.Fprintf(out, "Local dir: %s\n", cfg.LocalDir)
	fmt.Fprintf(out, "Downloaded: %s of %s (%.1f%%)\n", formatBytes(p.AlreadyDownloaded), formatBytes(p.Total), pct)

	names, _ := m.Packs()
	complete := 0
	for _, name := range names {
		if ok, _ := m.IsPackDownloaded(name); ok {
			complete++
		}
	}
	fmt.Fprintf(out, "Packs: %d of %d complete\n", complete, len(names))
	fmt.Fprintf(out, "Health: %s\n", mon.Overall())
	for _, c := range mon.All() {
		fmt.Fprintf(out, "  %-10s %-9s %s\n", c.Name, c.Status, c.Message)
	}
	return nil
}

func runRemove(ctx context.Context, cfg *config.Config, packs []string) error {
	m, err := openSession(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer m.Deinitialize()

	for _, name := range packs {
		if err := m.RemovePack(name); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
		log.Info("pack removed", "pack", name)
	}
	return nil
}

// runCat reads a file straight from the local directory; it needs no
// network access.
func runCat(cfg *config.Config, virtualPath string, out io.Writer) error {
	table := litefs.NewTable()
	if err := table.Mount(cfg.LocalDir, cfg.MountPrefix); err != nil {
		return err
	}
	defer table.Unmount(cfg.LocalDir)

	data, err := table.ReadFile(virtualPath)
	if err != nil {
		return err
	}
	if out == nil {
		out = os.Stdout
	}
	_, err = out.Write(data)
	return err
}
