package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"voice-session/internal/session"
)

// RunHeadless connects once and logs state changes until ctx is done. While
// connected it logs meter levels every levelEvery.
func (a *App) RunHeadless(ctx context.Context, levelEvery time.Duration) error {
	unsubscribe := a.controller.Subscribe(func(snap session.Snapshot) {
		ev := log.Info().Str("module", "app").Str("state", snap.State.String()).Str("attempt", snap.AttemptID)
		if snap.Err != nil {
			ev = log.Error().Err(snap.Err).Str("module", "app").Str("state", snap.State.String()).Str("attempt", snap.AttemptID).Str("user_message", snap.Err.UserMessage())
		}
		ev.Msg("Session state changed")
	})
	defer unsubscribe()

	if err := a.Connect(ctx); err != nil {
		return err
	}

	if levelEvery <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(levelEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m := a.View()
			if !m.ShowMeters {
				continue
			}
			log.Debug().Str("module", "app").
				Int("local", m.Local.Percent).
				Int("remote", m.Remote.Percent).
				Bool("mic", m.MicEnabled).
				Msg("Levels")
		}
	}
}
