// Package game runs the round-based games on top of the device registry.
//
// One Orchestrator owns at most one active Session. Each game is a loop of rounds
// that races a detection from the registry's event stream against the round
// budget and a stop request; whichever completes first decides the round.
package game

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
)

// Kind identifies one of the games.
type Kind int

const (
	ReactionSprint Kind = iota + 1
	MemorySequence
	NumberMatch
	FallingColor
	ColorBattle
)

// Kinds lists every game in id order.
var Kinds = []Kind{ReactionSprint, MemorySequence, NumberMatch, FallingColor, ColorBattle}

func (k Kind) String() string {
	switch k {
	case ReactionSprint:
		return "reaction"
	case MemorySequence:
		return "memory"
	case NumberMatch:
		return "number"
	case FallingColor:
		return "falling"
	case ColorBattle:
		return "battle"
	default:
		return fmt.Sprintf("game(%d)", int(k))
	}
}

// Valid reports whether k names a known game.
func (k Kind) Valid() bool {
	return k >= ReactionSprint && k <= ColorBattle
}

// ParseKind accepts a game id ("1".."5") or name ("reaction", "battle", ...).
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if k := Kind(n); k.Valid() {
			return k, nil
		}
		return 0, fmt.Errorf("unknown game id %d", n)
	}
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown game %q", s)
}

// Outcome classifies one round for one player.
type Outcome int

const (
	Correct Outcome = iota
	Wrong
	Late
	Stopped
)

func (o Outcome) String() string {
	switch o {
	case Correct:
		return "correct"
	case Wrong:
		return "wrong"
	case Late:
		return "late"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// RoundOutcome is the result of one round for one player. Value is in seconds.
type RoundOutcome struct {
	Round   int     `json:"round"`
	Player  int     `json:"player"`
	Value   float64 `json:"value"`
	Outcome Outcome `json:"-"`
	Target  string  `json:"target,omitempty"`
	Touched string  `json:"touched,omitempty"`
}

// Settings is what a game needs before it can be played. Zero timing fields take
// the defaults from the struct tags.
type Settings struct {
	Player string `validate:"required_without=Players"`
	// Players are the two Color Battle contestants, A first.
	Players         []string      `validate:"omitempty,len=2,dive,required"`
	Colors          []string      `validate:"required,min=1,unique,dive,required,lowercase"`
	Rounds          int           `default:"10" validate:"min=1,max=100"`
	TimeBudget      time.Duration `default:"2s" validate:"min=100ms,max=1m"`
	DisplayInterval time.Duration `default:"1s" validate:"min=50ms,max=10s"`
	DifficultyID    int           `validate:"gte=0"`
	RoundID         int           `validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Prepare lower-cases colours, fills defaults and validates.
func (s *Settings) Prepare() error {
	for i, c := range s.Colors {
		s.Colors[i] = strings.ToLower(strings.TrimSpace(c))
	}
	defaults.SetDefaults(s)
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid game settings: %w", err)
	}
	return nil
}

// Session is one run of a game.
type Session struct {
	ID        uuid.UUID
	Kind      Kind
	Settings  Settings
	StartedAt time.Time
	EndedAt   time.Time
	Results   []RoundOutcome
	Battle    *BattleSummary
	// Status is "finished", "stopped" or "failed".
	Status string
	Err    error
}

// Status is the answer to Play and Stop requests.
type Status string

const (
	StatusStarted         Status = "started"
	StatusAlreadyRunning  Status = "already_running"
	StatusMissingSettings Status = "missing_settings"
	StatusUnknownGame     Status = "unknown_game"
	StatusStopped         Status = "stopped"
	StatusNoGameRunning   Status = "no_game_running"
)

// Result carries a Status and a human readable message.
type Result struct {
	Status    Status `json:"status"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

func seconds(d time.Duration) float64 {
	return round2(d.Seconds())
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
