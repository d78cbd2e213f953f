package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// handleHealth handles GET /health for load balancers and uptime probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "strategos",
		"uptime":  time.Since(s.startedAt).String(),
	})
}

// handleStats handles GET /api/stats and aggregates counters from every
// running subsystem. Subsystems that were not wired in are omitted.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]interface{})

	if s.cfg.Bus != nil {
		stats["bus"] = s.cfg.Bus.Stats()
		if failures := s.cfg.Bus.RecentFailures(); len(failures) > 0 {
			stats["recent_failures"] = failures
		}
	}
	if s.cfg.Orders != nil {
		stats["orders"] = s.cfg.Orders.Stats()
	}
	if s.cfg.Strategy != nil {
		stats["strategies"] = s.cfg.Strategy.Stats()
	}
	if s.cfg.Router != nil {
		stats["routing"] = s.cfg.Router.Stats()
	}
	if s.cfg.Gateway != nil {
		stats["marketdata"] = s.cfg.Gateway.Stats()
	}

	s.writeJSON(w, http.StatusOK, stats)
}

// SystemStatusResponse describes the engine process and its trading state.
type SystemStatusResponse struct {
	Status         string  `json:"status"` // "running" or "halted"
	UptimeSeconds  float64 `json:"uptime_seconds"`
	StartedAt      string  `json:"started_at"`
	Goroutines     int     `json:"goroutines"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	EmergencyStop  bool    `json:"emergency_stop"`
	BrokersTotal   int     `json:"brokers_total"`
	BrokersHealthy int     `json:"brokers_healthy"`
}

// handleSystemStatus handles GET /api/system/status.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := s.getSystemStats()

	response := SystemStatusResponse{
		Status:        "running",
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		StartedAt:     s.startedAt.Format(time.RFC3339),
		Goroutines:    runtime.NumGoroutine(),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
	}

	if s.cfg.Risk != nil && s.cfg.Risk.EmergencyStopped() {
		response.Status = "halted"
		response.EmergencyStop = true
	}

	if s.cfg.Router != nil {
		for _, health := range s.cfg.Router.AllHealth() {
			response.BrokersTotal++
			if health.Status.Routable() {
				response.BrokersHealthy++
			}
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// getSystemStats samples CPU and RAM usage percentages. The CPU sample window
// is kept at 100ms so the status endpoint stays responsive.
func (s *Server) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
