package meter

import "github.com/ineyio/postgate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ postgate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnCheck(postgate.CheckEvent)           {}
func (m *NoopMeter) OnRejected(postgate.RejectedEvent)     {}
func (m *NoopMeter) OnRecorded(postgate.RecordedEvent)     {}
func (m *NoopMeter) OnStoreError(postgate.StoreErrorEvent) {}
