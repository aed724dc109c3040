package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/brainmove/internal/game"
	"github.com/srg/brainmove/internal/presentation"
	"github.com/srg/brainmove/internal/store"
)

// playCmd runs one game session.
var playCmd = &cobra.Command{
	Use:   "play <game>",
	Short: "Play a game",
	Long: `Connect the cones and play one game session.

Games (id or name):
  1 reaction   hit the announced colour as fast as possible
  2 memory     reproduce a growing colour sequence
  3 number     colours are mapped to numbers; hit the announced number
  4 falling    hit the falling colour before it lands; one mistake ends it
  5 battle     two players, each with their own colour per round

Ctrl+C stops the session; results up to that point are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

var (
	playPlayer          string
	playPlayers         []string
	playGameColors      []string
	playRounds          int
	playBudget          time.Duration
	playDisplayInterval time.Duration
	playDifficulty      int
	playRoundID         int
	playWait            time.Duration
)

func init() {
	playCmd.Flags().StringVarP(&playPlayer, "player", "p", "", "Player name")
	playCmd.Flags().StringSliceVar(&playPlayers, "players", nil, "The two Color Battle players, A first")
	playCmd.Flags().StringSliceVar(&playGameColors, "game-colors", nil, "Colours used in the game (default: every connected cone)")
	playCmd.Flags().IntVarP(&playRounds, "rounds", "r", 0, "Number of rounds (default 10)")
	playCmd.Flags().DurationVarP(&playBudget, "budget", "b", 0, "Time budget per round (default 2s)")
	playCmd.Flags().DurationVar(&playDisplayInterval, "display-interval", 0, "Memory Sequence display time per colour (default 1s)")
	playCmd.Flags().IntVar(&playDifficulty, "difficulty", 0, "Difficulty id stored with the results")
	playCmd.Flags().IntVar(&playRoundID, "round-id", 0, "Round preset id stored with the results")
	playCmd.Flags().DurationVar(&playWait, "wait", time.Minute, "How long to look for missing cones")
	playCmd.Flags().String("listen", "", "Serve live game events on ws://<addr>/ws (overrides BRAINMOVE_LISTEN_ADDR)")
}

func runPlay(cmd *cobra.Command, args []string) error {
	kind, err := game.ParseKind(args[0])
	if err != nil {
		return err
	}

	console := newConsoleSink(os.Stdout)
	a, err := newApp(cmd, console)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(context.Background())
	defer cancel()
	a.serve(ctx)

	var results game.Store
	if a.cfg.DatabaseDSN != "" {
		st, err := store.Open(ctx, a.cfg.DatabaseDSN, store.DefaultOptions(), a.logger)
		if err != nil {
			return err
		}
		a.onClose(func() { _ = st.Close() })
		results = st
	}

	wctx, wcancel := context.WithTimeout(ctx, playWait)
	err = a.registry.ScanUntilComplete(wctx)
	wcancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	ready := a.registry.Ready()
	if len(ready) == 0 {
		return ErrNoCones
	}
	if err != nil {
		fmt.Printf("Playing with %d of %d cones: %s\n", len(ready), len(a.cfg.Colors), strings.Join(ready, ", "))
	}

	settings := game.Settings{
		Player:          playPlayer,
		Players:         playPlayers,
		Colors:          ready,
		Rounds:          playRounds,
		TimeBudget:      playBudget,
		DisplayInterval: playDisplayInterval,
		DifficultyID:    playDifficulty,
		RoundID:         playRoundID,
	}
	if len(playGameColors) > 0 {
		settings.Colors = playGameColors
	}

	opts := game.DefaultOptions()
	opts.HardwareDelay = a.cfg.HardwareDelay
	orch := game.New(a.registry, results, a.sink, opts, a.logger)
	defer orch.Close()

	if err := orch.Configure(settings); err != nil {
		return err
	}
	res := orch.Play(kind)
	if res.Status != game.StatusStarted {
		return fmt.Errorf("%w: %s", ErrGameRejected, res.Message)
	}

	go func() {
		<-ctx.Done()
		orch.Stop()
	}()

	sess, err := orch.Wait(context.Background())
	if err != nil {
		return err
	}
	if sess.Err != nil {
		return fmt.Errorf("game failed: %w", sess.Err)
	}
	fmt.Println()
	return printSession(os.Stdout, sess)
}

// consoleSink prints the live game events a player cares about.
type consoleSink struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsoleSink(out io.Writer) *consoleSink {
	return &consoleSink{out: out}
}

func (c *consoleSink) Emit(event string, p presentation.Fields) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch event {
	case "device_connected":
		fmt.Fprintf(c.out, "%s connected\n", paintCone(str(p["color"])))
	case "device_disconnected":
		fmt.Fprintf(c.out, "%s %s\n", paintCone(str(p["color"])), color.RedString("disconnected"))
	case "game_start":
		fmt.Fprintf(c.out, "Starting %s, %v rounds\n", p["game"], p["rounds"])
	case "chosen_target":
		fmt.Fprintf(c.out, "Round %v/%v: %s\n", p["round"], p["max_rounds"], paintCone(str(p["color"])))
	case "number_mapping":
		fmt.Fprintln(c.out, "Numbers:")
		if m, ok := p["mapping"].(map[string]int); ok {
			for col, n := range m {
				fmt.Fprintf(c.out, "  %d = %s\n", n, paintCone(col))
			}
		}
	case "chosen_number":
		fmt.Fprintf(c.out, "Round %v/%v: number %v\n", p["round"], p["max_rounds"], p["number"])
	case "falling_color_start":
		fmt.Fprintf(c.out, "Round %v/%v: %s is falling\n", p["round"], p["max_rounds"], paintCone(str(p["color"])))
	case "show_color":
		fmt.Fprintf(c.out, "  %s\n", paintCone(str(p["color"])))
	case "colors_shown":
		fmt.Fprintln(c.out, "Your turn")
	case "wrong_color":
		fmt.Fprintln(c.out, color.RedString("Game over: %v", p["status"]))
	case "round_end":
		fmt.Fprintf(c.out, "  %s %.2fs\n", outcomeName(p["outcome"]), p["value"])
	case "battle_round":
		fmt.Fprintf(c.out, "Round %v/%v: A %s  B %s\n", p["round"], p["max_rounds"], paintCone(str(p["color_a"])), paintCone(str(p["color_b"])))
	case "battle_round_end":
		fmt.Fprintf(c.out, "  A %s %.2fs  B %s %.2fs\n", outcomeName(p["outcome_a"]), p["value_a"], outcomeName(p["outcome_b"]), p["value_b"])
	case "game_error":
		fmt.Fprintln(c.out, color.RedString("Game error: %v", p["error"]))
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func outcomeName(v any) string {
	switch str(v) {
	case "correct":
		return paintOutcome(game.Correct)
	case "wrong":
		return paintOutcome(game.Wrong)
	case "late":
		return paintOutcome(game.Late)
	default:
		return paintOutcome(game.Stopped)
	}
}
