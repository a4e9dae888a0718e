package core

import (
	"time"

	"github.com/e7canasta/poselive/internal/manager"
)

// WorkerHealth contains health metrics for one pipeline worker
type WorkerHealth struct {
	Running         bool      `json:"running"`
	FramesProcessed uint64    `json:"frames_processed"`
	FramesDropped   uint64    `json:"frames_dropped"`
	DropRate        float64   `json:"drop_rate"`
	AvgLatencyMS    float64   `json:"avg_latency_ms"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status        string                  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64                   `json:"uptime_seconds"`
	CameraRunning bool                    `json:"camera_running"`
	MQTTEnabled   bool                    `json:"mqtt_enabled"`
	MQTTConnected bool                    `json:"mqtt_connected"`
	Workers       map[string]WorkerHealth `json:"workers"`
}

// HealthCheck returns the current health status of the service. The
// service is degraded while the camera is stopped or a configured broker
// is unreachable.
func (s *Service) HealthCheck() HealthStatus {
	st := s.mgr.Status()

	s.mu.RLock()
	defer s.mu.RUnlock()

	health := HealthStatus{
		Status:        "healthy",
		CameraRunning: st.Capture.Running,
		MQTTEnabled:   s.cfg.MQTT.Broker != "",
		Workers:       make(map[string]WorkerHealth, 3),
	}
	if s.isRunning {
		health.UptimeSeconds = int64(time.Since(s.started).Seconds())
	}
	if s.emitter != nil && s.emitter.Client != nil && s.emitter.Client.IsConnected() {
		health.MQTTConnected = true
	}

	for name, w := range map[string]manager.WorkerStatus{
		"capture": st.Capture,
		"writer":  st.Writer,
		"pose":    st.Pose,
	} {
		m := w.Metrics
		var dropRate float64
		if total := m.FramesProcessed + m.FramesDropped; total > 0 {
			dropRate = float64(m.FramesDropped) / float64(total)
		}
		health.Workers[name] = WorkerHealth{
			Running:         w.Running,
			FramesProcessed: m.FramesProcessed,
			FramesDropped:   m.FramesDropped,
			DropRate:        dropRate,
			AvgLatencyMS:    m.AvgLatencyMS,
			LastSeenAt:      m.LastSeenAt,
		}
	}

	switch {
	case !s.isRunning:
		health.Status = "unhealthy"
	case !health.CameraRunning || (health.MQTTEnabled && !health.MQTTConnected):
		health.Status = "degraded"
	}
	return health
}
