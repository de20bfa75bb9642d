package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TunnelAttemptsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunneld_tunnel_attempts_total", Help: "Tunnel attempts started, by remote"}, []string{"remote"})
	TunnelExitsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunneld_tunnel_exits_total", Help: "Tunnel process exits by result"}, []string{"result"})
	TunnelConnectSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tunneld_tunnel_connect_seconds", Help: "Time from tunnel start until it came up", Buckets: prometheus.ExponentialBuckets(0.05, 2, 12)})
	SecurityState         = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunneld_security_state", Help: "1 when the last broadcast state was Secured"})
	StateBroadcastsTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "tunneld_state_broadcasts_total", Help: "Security state changes broadcast to clients"})
	DaemonEventsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunneld_daemon_events_total", Help: "Events processed by the daemon loop, by kind"}, []string{"kind"})
	ManagementSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunneld_management_subscribers", Help: "Current new_state subscriptions"})
	ManagementConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunneld_management_connections", Help: "Open management connections"})
	ManagementRequests    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunneld_management_requests_total", Help: "Management RPC calls by method"}, []string{"method"})
	ManagementRateLimited = promauto.NewCounter(prometheus.CounterOpts{Name: "tunneld_management_rate_limited_total", Help: "Management calls rejected by the rate limiter"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunneld_errors_total", Help: "Errors by type"}, []string{"type"})
)
