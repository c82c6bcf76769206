package metrics_collectors

import (
	"context"
	"fmt"
	stdnet "net"
	"sync"
	"time"

	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/net"
)

// NetworkMetricCollector collects network I/O rates and the primary IPv4 address.
type NetworkMetricCollector struct {
	Logger zerolog.Logger

	// cache previous values for rate calculation
	mu       sync.Mutex
	lastIn   uint64
	lastOut  uint64
	lastTime time.Time
}

// Name returns the identifier for the network metric collector.
func (n *NetworkMetricCollector) Name() string {
	return "network"
}

// Collect retrieves the network I/O rates. The first call only primes the counters.
func (n *NetworkMetricCollector) Collect(ctx context.Context, info *models.SystemInfo) error {
	if ifaces, err := net.InterfacesWithContext(ctx); err == nil {
		info.Network.IP = primaryIPv4(ifaces)
	} else {
		n.Logger.Debug().Err(err).Msg("Failed to list network interfaces")
	}

	netStats, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return fmt.Errorf("network counters: %w", err)
	}
	if len(netStats) == 0 {
		return fmt.Errorf("network counters: no data")
	}

	curr := netStats[0]
	inRate, outRate := n.rates(curr.BytesRecv, curr.BytesSent, time.Now())
	info.Network.InRate = inRate
	info.Network.OutRate = outRate

	n.Logger.Debug().
		Str("ip", info.Network.IP).
		Float64("network_in", inRate).
		Float64("network_out", outRate).
		Msg("Network I/O rate collected successfully")
	return nil
}

// rates returns bytes/sec since the previous sample and stores the new one.
func (n *NetworkMetricCollector) rates(in, out uint64, now time.Time) (float64, float64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	prevIn, prevOut, prevTime := n.lastIn, n.lastOut, n.lastTime
	n.lastIn, n.lastOut, n.lastTime = in, out, now

	// first run, or counters reset
	if prevTime.IsZero() || in < prevIn || out < prevOut {
		return 0, 0
	}
	secs := now.Sub(prevTime).Seconds()
	if secs <= 0 {
		return 0, 0
	}
	return float64(in-prevIn) / secs, float64(out-prevOut) / secs
}

// IsEnabled checks if network monitoring is enabled in the configuration.
func (n *NetworkMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	if !config.MonitorNetwork {
		n.Logger.Debug().Msg("Network monitoring is disabled in configuration")
	}
	return config.MonitorNetwork
}

// primaryIPv4 returns the first IPv4 address of an up, non-loopback interface.
func primaryIPv4(ifaces []net.InterfaceStat) string {
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip, _, err := stdnet.ParseCIDR(addr.Addr)
			if err != nil {
				ip = stdnet.ParseIP(addr.Addr)
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
				return ip.String()
			}
		}
	}
	return ""
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
