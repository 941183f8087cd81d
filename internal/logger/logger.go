package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type Logger struct {
	*slog.Logger
}

func New(logLevel string) *Logger {
	return NewWithWriter(os.Stdout, logLevel)
}

// NewWithWriter builds a JSON logger that writes to w.
func NewWithWriter(w io.Writer, logLevel string) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(logLevel),
		AddSource: strings.EqualFold(logLevel, "debug"),
	}

	handler := slog.NewJSONHandler(w, opts)

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether level is one of the names ParseLevel understands.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
	}
}

func (l *Logger) WithFields(fields ...interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
	}
}

func (l *Logger) ServiceStart(version, nodeID string) {
	l.Info("Service starting",
		slog.String("version", version),
		slog.String("node_id", nodeID),
		slog.Int("pid", os.Getpid()))
}

func (l *Logger) ServiceStop() {
	l.Info("Service stopping")
}

func (l *Logger) ConfigLoaded(file string, discovery, health bool) {
	l.Info("Configuration loaded",
		slog.String("config_file", file),
		slog.Bool("discovery_enabled", discovery),
		slog.Bool("health_enabled", health))
}

func (l *Logger) RouteTableLoaded(v4, v6 int, changed bool, duration time.Duration) {
	l.Info("Routing table loaded",
		slog.Int("ipv4_routes", v4),
		slog.Int("ipv6_routes", v6),
		slog.Bool("changed", changed),
		slog.Int64("duration_ms", duration.Milliseconds()))
}

func (l *Logger) NodeDiscovered(id, hostname, via string) {
	l.Info("Node discovered",
		slog.String("node_id", id),
		slog.String("hostname", hostname),
		slog.String("discovered_via", via))
}

func (l *Logger) NodeStatusChanged(id, from, to string) {
	l.Info("Node status changed",
		slog.String("node_id", id),
		slog.String("old_status", from),
		slog.String("new_status", to))
}

func (l *Logger) ProbeResult(id, addr string, rtt time.Duration, err error) {
	if err != nil {
		l.Debug("Probe failed",
			slog.String("node_id", id),
			slog.String("address", addr),
			slog.String("error", err.Error()))
		return
	}
	l.Debug("Probe succeeded",
		slog.String("node_id", id),
		slog.String("address", addr),
		slog.Float64("rtt_ms", float64(rtt.Microseconds())/1000.0))
}

func (l *Logger) GossipPull(from string, received, added int, err error) {
	if err != nil {
		l.Warn("Gossip pull failed",
			slog.String("peer", from),
			slog.String("error", err.Error()))
		return
	}
	l.Info("Gossip pull completed",
		slog.String("peer", from),
		slog.Int("received", received),
		slog.Int("added", added))
}

func (l *Logger) BandwidthTest(testID, target, outcome string, upload, download float64) {
	l.Info("Bandwidth test finished",
		slog.String("test_id", testID),
		slog.String("target_node_id", target),
		slog.String("outcome", outcome),
		slog.Float64("upload_mbps", upload),
		slog.Float64("download_mbps", download))
}

func (l *Logger) Performance(operation string, metrics map[string]interface{}) {
	args := []interface{}{
		"operation", operation,
	}

	for k, v := range metrics {
		args = append(args, k, v)
	}

	l.Debug("performance metrics", args...)
}
