package v1

// RuntimeType identifies how a runtime's multiplexer is reached.
type RuntimeType string

const (
	RuntimeLocalTmux RuntimeType = "local-tmux"
	RuntimeDocker    RuntimeType = "docker"
	RuntimeK8s       RuntimeType = "k8s"
	RuntimeSSH       RuntimeType = "ssh"
)

// ValidRuntimeType reports whether t is a known runtime type.
func ValidRuntimeType(t string) bool {
	switch RuntimeType(t) {
	case RuntimeLocalTmux, RuntimeDocker, RuntimeK8s, RuntimeSSH:
		return true
	}
	return false
}

// RuntimeInfo describes a configured runtime target.
type RuntimeInfo struct {
	ID         string      `json:"id"`
	Type       RuntimeType `json:"type"`
	Host       string      `json:"host,omitempty"`
	Port       int         `json:"port,omitempty"`
	User       string      `json:"user,omitempty"`
	ConfigFile string      `json:"config_file,omitempty"`
	Context    string      `json:"context,omitempty"`
}

// HealthState classifies a component or the whole daemon.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// ComponentHealth is one entry of a health report.
type ComponentHealth struct {
	Name      string      `json:"name"`
	State     HealthState `json:"state"`
	Message   string      `json:"message,omitempty"`
	LatencyMs int64       `json:"latency_ms,omitempty"`
}

// HealthReport is the daemon health snapshot returned by daemon.health and
// GET /health.
type HealthReport struct {
	Overall    HealthState       `json:"overall"`
	Timestamp  int64             `json:"timestamp"`
	UptimeSecs int64             `json:"uptime_secs"`
	Components []ComponentHealth `json:"components"`
}
