package models

// StreamObserver receives at most one callback per stream state transition
type StreamObserver interface {
	OnStarted(StreamID)
	OnStopped(StreamID, error)
	OnMetadataUpdated(StreamID)
	OnReleased(StreamID)
}

// BroadcastSinkListener follows a broadcast sink synchronizer
type BroadcastSinkListener interface {
	OnBroadcastFound(BroadcastInfo)
	OnSinkStateChanged(SinkState, error)
}

// ReceiveStateListener gets receive state notifications from an acceptor
type ReceiveStateListener interface {
	OnReceiveStateChanged(ConnID, ReceiveState)
	OnReceiveStateRemoved(ConnID, uint8)
}
