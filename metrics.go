package was

import "github.com/pfirsich/cm4all-libwas/internal/wire"

// Metric emits a METRIC packet carrying name and an IEEE-754 32-bit value.
// It has no ordering relationship to body bytes and may be
// called any time between Accept and End. If a metrics sink was
// registered via WithMetricsSink, it is also invoked, independent of
// whether the wire send succeeds.
func (s *Session) Metric(name string, value float32) error {
	if s.req == nil {
		return nil
	}
	if !s.req.wantMetrics {
		s.log.WithField("metric", name).Debug("was: Metric called but peer never requested metrics")
	}
	if s.metricsSink != nil {
		s.metricsSink(name, value)
	}
	return s.sendPacket(wire.Packet{Command: wire.CmdMetric, Payload: wire.PutMetric(name, value)})
}
