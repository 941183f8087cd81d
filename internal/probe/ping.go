package probe

import (
	"context"
	"math"
	"net/netip"
	"time"
)

const (
	DefaultPingCount = 4
	MaxPingCount     = 100
)

type LatencyStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Stddev float64 `json:"stddev"`
}

type PingResult struct {
	PacketsSent       int          `json:"packets_sent"`
	PacketsReceived   int          `json:"packets_received"`
	PacketLossPercent float64      `json:"packet_loss_percent"`
	LatencyMs         LatencyStats `json:"latency_ms"`
}

// Ping sends count probes to target, interval apart, and summarises them.
// Individual probe failures count as loss. It stops early when ctx is done.
func Ping(ctx context.Context, p Prober, target netip.AddrPort, count int, interval time.Duration) (PingResult, error) {
	if count <= 0 {
		count = DefaultPingCount
	}
	if count > MaxPingCount {
		count = MaxPingCount
	}

	var (
		res  PingResult
		rtts = make([]float64, 0, count)
	)
	for i := 0; i < count; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return summarizePing(res, rtts), ctx.Err()
			case <-time.After(interval):
			}
		}
		if err := ctx.Err(); err != nil {
			return summarizePing(res, rtts), err
		}

		res.PacketsSent++
		rtt, err := p.Probe(ctx, target)
		if err != nil {
			continue
		}
		res.PacketsReceived++
		rtts = append(rtts, float64(rtt.Microseconds())/1000.0)
	}
	return summarizePing(res, rtts), nil
}

func summarizePing(res PingResult, rtts []float64) PingResult {
	if res.PacketsSent > 0 {
		res.PacketLossPercent = float64(res.PacketsSent-res.PacketsReceived) / float64(res.PacketsSent) * 100
	}
	if len(rtts) == 0 {
		return res
	}

	minV, maxV, sum := rtts[0], rtts[0], 0.0
	for _, v := range rtts {
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
		sum += v
	}
	avg := sum / float64(len(rtts))

	var variance float64
	for _, v := range rtts {
		variance += (v - avg) * (v - avg)
	}
	variance /= float64(len(rtts))

	res.LatencyMs = LatencyStats{
		Min:    minV,
		Max:    maxV,
		Avg:    avg,
		Stddev: math.Sqrt(variance),
	}
	return res
}
