package http

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"mirrorcast/internal/core/ports"
	"mirrorcast/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type connectionCounter interface {
	ConnectionCount() int
}

// AddressLister returns the receiver's LAN addresses, preferred first.
type AddressLister func() ([]net.IP, error)

type SystemHandler struct {
	health      *monitoring.HealthChecker
	manager     ports.SessionManager
	connections connectionCounter
	addresses   AddressLister
	signalPort  int
	gatherer    prometheus.Gatherer
	startedAt   time.Time
}

func NewSystemHandler(
	health *monitoring.HealthChecker,
	manager ports.SessionManager,
	connections connectionCounter,
	addresses AddressLister,
	signalPort int,
	gatherer prometheus.Gatherer,
) *SystemHandler {
	return &SystemHandler{
		health:      health,
		manager:     manager,
		connections: connections,
		addresses:   addresses,
		signalPort:  signalPort,
		gatherer:    gatherer,
		startedAt:   time.Now(),
	}
}

func (h *SystemHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/network-info", h.NetworkInfo)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

func (h *SystemHandler) Health(c *gin.Context) {
	snap := h.manager.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"state":       snap.Phase,
		"message":     snap.Status,
		"connections": h.connections.ConnectionCount(),
		"uptime":      time.Since(h.startedAt).Seconds(),
		"local_ips":   h.localIPs(),
		"checks":      h.health.LastResults(),
	})
}

func (h *SystemHandler) Ready(c *gin.Context) {
	code, status := http.StatusOK, "ready"
	if !h.health.IsReady(c.Request.Context()) {
		code, status = http.StatusServiceUnavailable, "not_ready"
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": h.health.LastResults(),
	})
}

// NetworkInfo tells a client which address to put in a pairing payload.
func (h *SystemHandler) NetworkInfo(c *gin.Context) {
	ips := h.localIPs()
	resp := gin.H{
		"local_ips": ips,
		"port":      h.signalPort,
		"mode":      "local",
	}
	if len(ips) > 0 {
		resp["websocket_url"] = "ws://" + net.JoinHostPort(ips[0], strconv.Itoa(h.signalPort)) + "/ws"
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SystemHandler) localIPs() []string {
	ips := []string{}
	if h.addresses == nil {
		return ips
	}
	found, err := h.addresses()
	if err != nil {
		return ips
	}
	for _, ip := range found {
		ips = append(ips, ip.String())
	}
	return ips
}
