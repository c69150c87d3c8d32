package outbox

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Listen wakes d whenever an append transaction commits a NOTIFY on
// channel. It blocks until ctx is cancelled. Polling still covers missed
// notifications, so listener errors are logged, not returned.
func (d *Dispatcher) Listen(ctx context.Context, dsn, channel string) error {
	report := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			log.Warn().Err(err).Str("channel", channel).Msg("Outbox listener lost its connection")
		case pq.ListenerEventReconnected:
			log.Info().Str("channel", channel).Msg("Outbox listener reconnected")
			d.Wake()
		}
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, report)
	defer listener.Close()
	if err := listener.Listen(channel); err != nil {
		return err
	}
	log.Info().Str("channel", channel).Msg("Outbox listener started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// nil after a reconnect
			if n != nil {
				log.Debug().Str("event_id", n.Extra).Msg("Outbox notification received")
			}
			d.Wake()
		case <-time.After(90 * time.Second):
			go func() {
				if err := listener.Ping(); err != nil {
					log.Warn().Err(err).Msg("Outbox listener ping failed")
				}
			}()
		}
	}
}
