package game

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Training describes one player's session for persistence.
type Training struct {
	SessionID    uuid.UUID
	UserID       uint
	Game         Kind
	DifficultyID int
	RoundID      int
	Colors       int
	StartedAt    time.Time
}

// Store records finished sessions.
type Store interface {
	CreateUser(ctx context.Context, name string) (uint, error)
	CreateTraining(ctx context.Context, t Training) (uint, error)
	AppendRoundResult(ctx context.Context, trainingID uint, r RoundOutcome) error
}

// persist hands a session to the store: one user and training per player, one
// row per round outcome. Failures are logged and the remaining work skipped.
func persist(ctx context.Context, store Store, sess *Session, logger *logrus.Logger) {
	players := []string{sess.Settings.Player}
	if sess.Kind == ColorBattle {
		players = sess.Settings.Players
	}

	for p, name := range players {
		entry := logger.WithFields(logrus.Fields{
			"session": sess.ID.String(),
			"player":  name,
		})

		userID, err := store.CreateUser(ctx, name)
		if err != nil {
			entry.WithError(err).Error("Failed to store user")
			continue
		}
		trainingID, err := store.CreateTraining(ctx, Training{
			SessionID:    sess.ID,
			UserID:       userID,
			Game:         sess.Kind,
			DifficultyID: sess.Settings.DifficultyID,
			RoundID:      sess.Settings.RoundID,
			Colors:       len(sess.Settings.Colors),
			StartedAt:    sess.StartedAt,
		})
		if err != nil {
			entry.WithError(err).Error("Failed to store training")
			continue
		}

		stored := 0
		for _, r := range sess.Results {
			if r.Player != p {
				continue
			}
			if err := store.AppendRoundResult(ctx, trainingID, r); err != nil {
				entry.WithFields(logrus.Fields{
					"round": r.Round,
					"error": err,
				}).Error("Failed to store round result")
				continue
			}
			stored++
		}
		entry.WithFields(logrus.Fields{
			"training": trainingID,
			"rounds":   stored,
		}).Info("Training stored")
	}
}
