package main

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/srg/brainmove/internal/device"
	"github.com/srg/brainmove/internal/game"
	"github.com/srg/brainmove/internal/presentation"
	"github.com/srg/brainmove/internal/registry"
	"github.com/srg/brainmove/internal/testutils"
	"github.com/srg/brainmove/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	m.Run()
}

func TestFormatUserError(t *testing.T) {
	assert.Contains(t, FormatUserError(device.ErrBluetoothOff), "Bluetooth is off")
	assert.Contains(t, FormatUserError(fmt.Errorf("connect red: %w", device.ErrNotReady)), "cone not connected")
	assert.Contains(t, FormatUserError(ErrNoCones), "no cones connected")
	assert.Equal(t, "boom", FormatUserError(fmt.Errorf("boom")))
}

func TestPrintStatus(t *testing.T) {
	status := []registry.DeviceStatus{
		{Name: "BM-Red", Color: "red", Address: "AA:BB", State: "ready", Online: true, Battery: 80, Healthy: true},
		{Name: "BM-Blue", Color: "blue", State: "disconnected", Battery: -1},
	}

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printStatus(&buf, status))
		testutils.NewOutputAsserter(t).Assert(buf.String(), `
COLOR  NAME     ADDRESS  STATE         ONLINE  BATTERY  HEALTHY  POLLING
red    BM-Red   AA:BB    ready         yes     80%      yes      no
blue   BM-Blue           disconnected  no      -        no       no
`)
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeJSON(&buf, status))
		testutils.NewJSONAsserter(t).Assert(buf.String(), `[
			{"color": "red", "state": "ready", "online": true, "battery": 80},
			{"color": "blue", "state": "disconnected", "online": false, "battery": -1}
		]`)
	})
}

func TestPrintCandidates(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printCandidates(&buf, map[string]scanner.Candidate{
		"red": {ID: device.ID{Color: "red", Name: "BM-Red", Address: "AA:BB:CC:DD:EE:01"}, RSSI: -40},
	}, map[string]string{"AA:BB:CC:DD:EE:99": "untrusted address"}))

	out := buf.String()
	assert.Contains(t, out, "AA:BB:CC:DD:EE:01")
	assert.Contains(t, out, "-40")
	assert.Contains(t, out, "Rejected (whitelist):")
	assert.Contains(t, out, "AA:BB:CC:DD:EE:99  untrusted address")
}

func TestPrintSession(t *testing.T) {
	t.Run("single player", func(t *testing.T) {
		sess := &game.Session{
			ID:     uuid.New(),
			Kind:   game.ReactionSprint,
			Status: "finished",
			Results: []game.RoundOutcome{
				{Round: 1, Target: "red", Touched: "red", Outcome: game.Correct, Value: 0.42},
				{Round: 2, Target: "blue", Outcome: game.Late, Value: 2},
			},
		}
		var buf bytes.Buffer
		require.NoError(t, printSession(&buf, sess))

		out := buf.String()
		assert.Regexp(t, `1\s+red\s+red\s+correct\s+0.42s`, out)
		assert.Regexp(t, `2\s+blue\s+-\s+late\s+2.00s`, out)
		assert.Contains(t, out, "finished")
	})

	t.Run("battle", func(t *testing.T) {
		summary := game.NewBattleSummary("ann", "bob")
		results := game.Resolve([2]string{"red", "blue"}, []game.Touch{{Color: "red", Elapsed: 300 * time.Millisecond}}, 2*time.Second)
		summary.Record(game.BattleRound{Round: 1, Colors: [2]string{"red", "blue"}, Results: results, Winner: game.RoundWinner(results)})

		sess := &game.Session{
			ID:       uuid.New(),
			Kind:     game.ColorBattle,
			Settings: game.Settings{Players: []string{"ann", "bob"}},
			Status:   "finished",
			Battle:   summary,
			Results: []game.RoundOutcome{
				{Round: 1, Player: game.PlayerA, Target: "red", Touched: "red", Outcome: game.Correct, Value: 0.3},
				{Round: 1, Player: game.PlayerB, Target: "blue", Outcome: game.Late, Value: 2},
			},
		}
		var buf bytes.Buffer
		require.NoError(t, printSession(&buf, sess))

		out := buf.String()
		assert.Regexp(t, `1\s+bob\s+blue\s+-\s+late`, out)
		assert.Contains(t, out, "Winner: ann")
	})
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	sink := newConsoleSink(&buf)

	sink.Emit("chosen_target", presentation.Fields{"round": 1, "max_rounds": 5, "color": "red"})
	sink.Emit("round_end", presentation.Fields{"outcome": "wrong", "value": 2.5})
	sink.Emit("falling_color_percentage", presentation.Fields{"percentage": 10.0})
	sink.Emit("wrong_color", presentation.Fields{"status": "timeout"})

	testutils.NewOutputAsserter(t).Assert(buf.String(), `
Round 1/5: red
  wrong 2.50s
Game over: timeout
`)
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressPrinter(&buf, "Scanning for cones", "Scanning", time.Second, "Processing results")
	p.Start()
	p.Callback()("Processing results")
	p.Stop()

	out := buf.String()
	assert.Contains(t, out, "Scanning for cones (Scanning...)")
	assert.Contains(t, out, clearLineSequence)
	assert.Panics(t, p.Start, "a printer MUST NOT be restarted")
}
