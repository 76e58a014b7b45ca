package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/qmtlab/qmt-bridge-go/internal/qmt"
)

// SystemHandler reports process and host health. The native client runs in a
// separate process on the same host, so host-level memory pressure is the
// leading indicator of the crashes the download engine has to ride through.
type SystemHandler struct {
	native    qmt.NativeAPI
	startedAt time.Time
}

func NewSystemHandler(native qmt.NativeAPI) *SystemHandler {
	return &SystemHandler{
		native:    native,
		startedAt: time.Now(),
	}
}

// SystemStatusResponse is the payload for GET /api/v1/system/status.
type SystemStatusResponse struct {
	Uptime          string  `json:"uptime"`
	Goroutines      int     `json:"goroutines"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemUsedPercent  float64 `json:"mem_used_percent"`
	MemAvailableMB  uint64  `json:"mem_available_mb"`
	NativeConnected bool    `json:"native_connected"`
}

// GetStatus handles GET /api/v1/system/status.
func (h *SystemHandler) GetStatus(c *gin.Context) {
	ctx := c.Request.Context()
	resp := SystemStatusResponse{
		Uptime:          time.Since(h.startedAt).Round(time.Second).String(),
		Goroutines:      runtime.NumGoroutine(),
		NativeConnected: h.native.IsConnected(ctx),
	}

	if cpuPercent, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(cpuPercent) > 0 {
		resp.CPUPercent = cpuPercent[0]
	}
	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		resp.MemUsedPercent = memInfo.UsedPercent
		resp.MemAvailableMB = memInfo.Available / 1024 / 1024
	}

	c.JSON(http.StatusOK, resp)
}
