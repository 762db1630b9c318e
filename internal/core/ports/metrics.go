package ports

import "roomcast/internal/core/domain"

// Metrics receives orchestration-level counters. Implementations must be
// safe for concurrent use.
type Metrics interface {
	RoomCreated()
	RoomDeleted()
	PeerJoined(room domain.RoomID)
	PeerLeft(room domain.RoomID)
	ProducerAdded(kind domain.MediaKind)
	ProducerRemoved(kind domain.MediaKind)
	PlaybackStarted()
	PlaybackStopped()
	InjectionStarted()
	InjectionStopped()
	PipelineFailed()
	ObserveJoinDuration(seconds float64)
}

// NopMetrics discards everything. Used when monitoring is disabled and in
// tests.
type NopMetrics struct{}

func (NopMetrics) RoomCreated()                     {}
func (NopMetrics) RoomDeleted()                     {}
func (NopMetrics) PeerJoined(domain.RoomID)         {}
func (NopMetrics) PeerLeft(domain.RoomID)           {}
func (NopMetrics) ProducerAdded(domain.MediaKind)   {}
func (NopMetrics) ProducerRemoved(domain.MediaKind) {}
func (NopMetrics) PlaybackStarted()                 {}
func (NopMetrics) PlaybackStopped()                 {}
func (NopMetrics) InjectionStarted()                {}
func (NopMetrics) InjectionStopped()                {}
func (NopMetrics) PipelineFailed()                  {}
func (NopMetrics) ObserveJoinDuration(float64)      {}
