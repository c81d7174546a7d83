package tui

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/fieldsync/internal/api"
)

// Feed reads frames from the daemon's /signals endpoint, reconnecting with
// backoff until ctx is done.
type Feed struct {
	URL        string
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Run delivers every frame to onFrame and every connection error to onErr.
func (f *Feed) Run(ctx context.Context, onFrame func(api.Frame), onErr func(error)) {
	backoff := f.MinBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	maxBackoff := f.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 10 * time.Second
	}

	for ctx.Err() == nil {
		connected, err := f.read(ctx, onFrame)
		if ctx.Err() != nil {
			return
		}
		if err != nil && onErr != nil {
			onErr(err)
		}
		if connected {
			backoff = f.MinBackoff
			if backoff <= 0 {
				backoff = 500 * time.Millisecond
			}
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (f *Feed) read(ctx context.Context, onFrame func(api.Frame)) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(dialCtx, f.URL, nil)
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var frame api.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return true, err
		}
		onFrame(frame)
	}
}
