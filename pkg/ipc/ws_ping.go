package ipc

import (
	"context"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsPingInterval = 20 * time.Second
	wsPingTimeout  = 5 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

// startWSPing keeps idle event streams alive until ctx ends. A failed
// ping closes the connection so its write loop exits.
func startWSPing(ctx context.Context, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	go pingLoop(ctx, conn, wsPingInterval, func() {
		_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
	})
}

func pingLoop(ctx context.Context, p pinger, interval time.Duration, onFail func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
			err := p.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				if onFail != nil {
					onFail()
				}
				return
			}
		}
	}
}
