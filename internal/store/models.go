package store

import "time"

// User is a player. Every stored session creates a new row, as names are not
// unique across players.
type User struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:64;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Training is one player's game session.
type Training struct {
	ID           uint      `gorm:"primaryKey"`
	SessionID    string    `gorm:"type:uuid;index;not null"`
	UserID       uint      `gorm:"index;not null"`
	User         User      `gorm:"constraint:OnDelete:CASCADE"`
	GameID       int       `gorm:"not null"`
	Game         string    `gorm:"size:32;not null"`
	DifficultyID int       `gorm:"not null;default:0"`
	RoundID      int       `gorm:"not null;default:0"`
	Colors       int       `gorm:"not null"`
	StartedAt    time.Time `gorm:"not null"`
	Rounds       []RoundValue
	CreatedAt    time.Time
}

// RoundValue is the result of one round of a Training.
type RoundValue struct {
	ID         uint    `gorm:"primaryKey"`
	TrainingID uint    `gorm:"index;not null"`
	Round      int     `gorm:"not null"`
	Value      float64 `gorm:"not null"`
	Outcome    string  `gorm:"size:16;not null"`
	Target     string  `gorm:"size:32"`
	Touched    string  `gorm:"size:32"`
	CreatedAt  time.Time
}
