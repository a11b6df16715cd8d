package server

import (
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type healthResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	GoVersion     string            `json:"go_version"`
	Goroutines    int               `json:"goroutines"`
	CPUPercent    float64           `json:"cpu_percent"`
	MemoryPercent float64           `json:"memory_percent"`
	MemoryUsedMB  uint64            `json:"memory_used_mb"`
	Databases     map[string]string `json:"databases"`
}

func (h *handlers) systemHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		Databases:     make(map[string]string, len(h.deps.Databases)),
	}

	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		resp.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemoryPercent = vm.UsedPercent
		resp.MemoryUsedMB = vm.Used / 1024 / 1024
	}

	names := make([]string, 0, len(h.deps.Databases))
	for name := range h.deps.Databases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.deps.Databases[name].HealthCheck(r.Context()); err != nil {
			resp.Databases[name] = "unhealthy: " + err.Error()
			resp.Status = "degraded"
		} else {
			resp.Databases[name] = "healthy"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}
