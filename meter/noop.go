package meter

import "github.com/ineyio/neutralgate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ neutralgate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnFanout(neutralgate.FanoutEvent) {}
func (m *NoopMeter) OnResult(neutralgate.ResultEvent) {}

// Multi fans events out to several meters.
type Multi []neutralgate.Meter

var _ neutralgate.Meter = Multi(nil)

func (m Multi) OnFanout(e neutralgate.FanoutEvent) {
	for _, mm := range m {
		mm.OnFanout(e)
	}
}

func (m Multi) OnResult(e neutralgate.ResultEvent) {
	for _, mm := range m {
		mm.OnResult(e)
	}
}
