package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"github.com/secondlayer/streams/internal/log"
)

// Notification is one LISTEN/NOTIFY message.
type Notification struct {
	Channel string
	Payload string
}

// Listener holds a dedicated connection outside the pool and subscribes to
// a set of notification channels. Pool connections cannot LISTEN reliably
// because the pool recycles them.
type Listener struct {
	url      string
	channels []string
}

// NewListener prepares a listener for the given channels. Run does the
// actual connecting.
func NewListener(databaseURL string, channels ...string) *Listener {
	return &Listener{url: databaseURL, channels: channels}
}

// Run connects, subscribes, and forwards notifications to out until ctx is
// canceled. Connection loss triggers reconnect with exponential backoff;
// notifications sent while disconnected are lost, which is why every
// consumer also polls.
func (l *Listener) Run(ctx context.Context, out chan<- Notification) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		err := l.listen(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		log.Store.Warn().Err(err).Dur("retry_in", wait).Msg("listener disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (l *Listener) listen(ctx context.Context, out chan<- Notification) error {
	conn, err := pgx.Connect(ctx, l.url)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	for _, ch := range l.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	log.Store.Debug().Strs("channels", l.channels).Msg("listener subscribed")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("wait notification: %w", err)
		}

		select {
		case out <- Notification{Channel: n.Channel, Payload: n.Payload}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
