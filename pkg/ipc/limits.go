package ipc

import "time"

const (
	maxEventStreamClients = 128
	maxSocketClients      = 32

	maxWSReadBytesEventStream = 64 << 10

	// maxFrameBytes bounds one framed socket event.
	maxFrameBytes = 32 << 20

	defaultEventsLimit = 100
	maxEventsLimit     = 1000

	defaultIngestRate  = 200
	defaultIngestBurst = 400

	streamWriteTimeout = 15 * time.Second
	socketWriteTimeout = 5 * time.Second
)
