package syncclient

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const changeEventDocumentChanged = "document-changed"

type changeMessage struct {
	Event      string `json:"event"`
	DocumentID string `json:"documentId"`
}

// WatchChanges follows a document's change stream and asks engine to pull on every change.
// It reconnects until ctx ends or the engine closes.
func WatchChanges(ctx context.Context, wsURL, token string, engine *Engine, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	target, err := url.Parse(wsURL)
	if err != nil {
		return err
	}
	if token != "" {
		query := target.Query()
		query.Set("access_token", token)
		target.RawQuery = query.Encode()
	}

	reconnect := backoff.NewExponentialBackOff()
	reconnect.MaxElapsedTime = 0
	reconnect.Reset()

	for {
		connected, err := watchOnce(ctx, target.String(), engine)
		switch {
		case errors.Is(err, ErrSessionClosed), ctx.Err() != nil:
			return nil
		case connected:
			reconnect.Reset()
		}
		delay := reconnect.NextBackOff()
		logger.Warn("change stream disconnected", zap.Error(err), zap.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func watchOnce(ctx context.Context, target string, engine *Engine) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	// A pull on connect covers anything that changed while disconnected.
	if err := engine.PullNow(); err != nil {
		return true, err
	}
	for {
		var message changeMessage
		if err := conn.ReadJSON(&message); err != nil {
			return true, err
		}
		if message.Event != changeEventDocumentChanged {
			continue
		}
		if err := engine.PullNow(); err != nil {
			return true, err
		}
	}
}
