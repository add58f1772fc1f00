// Package health condenses the signals of a DLC session into per-component
// health checks.
package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/breeze-rmm/dlc/internal/logging"
	"github.com/breeze-rmm/dlc/pkg/dlc"
)

var log = logging.L("health")

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// Components reported by Watch.
const (
	ComponentNetwork   = "network"
	ComponentDisk      = "disk"
	ComponentSuperpack = "superpack"
)

func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// Check stores the latest health result for a named component.
type Check struct {
	Name      string    `json:"name" yaml:"name"`
	Status    Status    `json:"status" yaml:"status"`
	Message   string    `json:"message,omitempty" yaml:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Monitor tracks health checks for multiple components.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

func NewMonitor() *Monitor {
	return &Monitor{
		checks: make(map[string]Check),
	}
}

// Update records the health status for a named component. Invalid statuses
// are stored as Unknown.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		status = Unknown
	}
	m.mu.Lock()
	prev, had := m.checks[name]
	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		UpdatedAt: time.Now(),
	}
	m.mu.Unlock()

	if status != Healthy && (!had || prev.Status != status) {
		log.Warn("health check degraded", "component", name, "status", string(status), "message", message)
	}
}

// Get returns the health check for a named component.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all registered checks, or
// Unknown when nothing has reported yet.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if worse(c.Status, worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns a snapshot of all current health checks sorted by name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Summary returns the overall status and a status per component.
func (m *Monitor) Summary() map[string]any {
	overall := m.Overall()
	checks := m.All()

	components := make(map[string]string, len(checks))
	for _, c := range checks {
		components[c.Name] = string(c.Status)
	}

	return map[string]any{
		"status":     string(overall),
		"components": components,
	}
}

// Watch connects the monitor to a manager's signals. The returned function
// disconnects it again.
func (m *Monitor) Watch(mgr *dlc.Manager) (stop func()) {
	netID := mgr.NetworkReady.Connect(func(up bool) {
		if up {
			m.Update(ComponentNetwork, Healthy, "")
		} else {
			m.Update(ComponentNetwork, Degraded, "superpack unreachable, retrying")
		}
	})
	initID := mgr.InitializeFinished.Connect(func(r dlc.InitResult) {
		m.Update(ComponentSuperpack, Healthy, fmt.Sprintf("%d of %d files verified", r.Downloaded, r.Total))
	})
	fileID := mgr.FileErrorOccurred.Connect(func(e dlc.FileError) {
		m.Update(ComponentDisk, Unhealthy, fmt.Sprintf("write %s failed (errno %d)", e.Path, e.Errno))
	})
	m.Update(ComponentDisk, Healthy, "")
	return func() {
		mgr.NetworkReady.Disconnect(netID)
		mgr.InitializeFinished.Disconnect(initID)
		mgr.FileErrorOccurred.Disconnect(fileID)
	}
}

// Observe records the session state that has no signal of its own.
func (m *Monitor) Observe(mgr *dlc.Manager) {
	if mgr.State() == dlc.StateFailed {
		m.Update(ComponentSuperpack, Unhealthy, fmt.Sprint(mgr.InitError()))
	}
}

// worse returns true if a is worse than b.
func worse(a, b Status) bool {
	return statusRank(a) > statusRank(b)
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	case Unknown:
		return 3
	default:
		return 0
	}
}
