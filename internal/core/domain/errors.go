package domain

import "errors"

var (
	ErrRoomExists               = errors.New("room already exists")
	ErrRoomNotFound             = errors.New("room not found")
	ErrPeerNotFound             = errors.New("peer not found")
	ErrTransportNotFound        = errors.New("transport not found")
	ErrProducerNotFound         = errors.New("producer not found")
	ErrConsumerNotFound         = errors.New("consumer not found")
	ErrIncompatibleCapabilities = errors.New("incompatible rtp capabilities")
	ErrPipelineNotFound         = errors.New("pipeline session not found")
)
