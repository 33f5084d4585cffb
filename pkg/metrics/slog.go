package metrics

import "log/slog"

// SlogCollector reports observations through the structured logger at debug
// level. It is the default collector for development nodes.
type SlogCollector struct {
	Logger *slog.Logger
}

func (c SlogCollector) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c SlogCollector) IncCounter(name string, labels map[string]string, delta float64) {
	c.logger().Debug("counter", "name", name, "labels", labels, "delta", delta)
}

func (c SlogCollector) SetGauge(name string, labels map[string]string, value float64) {
	c.logger().Debug("gauge", "name", name, "labels", labels, "value", value)
}

func (c SlogCollector) ObserveHistogram(name string, labels map[string]string, value float64) {
	c.logger().Debug("histogram", "name", name, "labels", labels, "value", value)
}
