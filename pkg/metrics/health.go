package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Overall and readiness states reported by the health endpoints
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// DegradedPrefix marks a healthy component whose probe has started failing
// but has not crossed its retry threshold yet.
const DegradedPrefix = "degraded: "

// Component names registered by ledgerwatch
const (
	ComponentStorage   = "storage"
	ComponentAuthority = "authority"
	ComponentLock      = "lock"
	ComponentScheduler = "scheduler"
)

// HealthStatus is the JSON body of /health and /ready
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth is the last reported state of one dependency
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

func (c ComponentHealth) degraded() bool {
	return c.Healthy && strings.HasPrefix(c.Message, DegradedPrefix)
}

type componentRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	started    time.Time
	version    string
}

var registry = newRegistry()

func newRegistry() *componentRegistry {
	return &componentRegistry{
		components: make(map[string]ComponentHealth),
		critical:   []string{ComponentStorage, ComponentAuthority},
		started:    time.Now(),
	}
}

func (r *componentRegistry) uptime() string {
	return time.Since(r.started).Round(time.Second).String()
}

// SetCriticalComponents replaces the components readiness depends on
func SetCriticalComponents(names ...string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.critical = append([]string(nil), names...)
}

// SetVersion sets the version reported by the health endpoints
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// RegisterComponent records the state of a component
func RegisterComponent(name string, healthy bool, message string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent is RegisterComponent under the name probes use
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// IsReady reports whether every critical component is registered and healthy
func IsReady() bool {
	return GetReadiness().Status == StatusReady
}

// GetHealth summarizes every registered component. Any unhealthy component
// makes the process unhealthy; a degraded one only marks it degraded.
func GetHealth() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	status := StatusHealthy
	components := make(map[string]string, len(registry.components))
	for name, c := range registry.components {
		switch {
		case !c.Healthy:
			status = StatusUnhealthy
			components[name] = StatusUnhealthy + ": " + c.Message
		case c.degraded():
			if status == StatusHealthy {
				status = StatusDegraded
			}
			components[name] = c.Message
		default:
			components[name] = StatusHealthy
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    registry.version,
		Uptime:     registry.uptime(),
	}
}

// GetReadiness checks only the critical components. Missing ones count as
// not ready so the process is not routed to before its first probe.
func GetReadiness() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	var waiting []string
	components := make(map[string]string, len(registry.critical))
	for _, name := range registry.critical {
		c, ok := registry.components[name]
		switch {
		case !ok:
			waiting = append(waiting, name)
			components[name] = "not registered"
		case !c.Healthy:
			waiting = append(waiting, name)
			components[name] = "not ready: " + c.Message
		default:
			components[name] = StatusReady
		}
	}

	rs := HealthStatus{
		Status:     StatusReady,
		Timestamp:  time.Now(),
		Components: components,
		Version:    registry.version,
		Uptime:     registry.uptime(),
	}
	if len(waiting) > 0 {
		sort.Strings(waiting)
		rs.Status = StatusNotReady
		rs.Message = "waiting for " + strings.Join(waiting, ", ")
	}
	return rs
}

func writeStatus(w http.ResponseWriter, ok bool, body any) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves /health. Degraded still answers 200.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := GetHealth()
		writeStatus(w, h.Status != StatusUnhealthy, h)
	}
}

// ReadyHandler serves /ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rs := GetReadiness()
		writeStatus(w, rs.Status == StatusReady, rs)
	}
}

// LivenessHandler serves /live, which answers while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		registry.mu.RLock()
		uptime := registry.uptime()
		registry.mu.RUnlock()
		writeStatus(w, true, map[string]string{"status": "alive", "uptime": uptime})
	}
}
