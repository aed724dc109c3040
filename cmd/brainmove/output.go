package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/srg/brainmove/internal/game"
	"github.com/srg/brainmove/internal/registry"
	"github.com/srg/brainmove/scanner"
)

var coneColors = map[string]color.Attribute{
	"red":    color.FgRed,
	"blue":   color.FgBlue,
	"yellow": color.FgYellow,
	"green":  color.FgGreen,
	"purple": color.FgMagenta,
	"white":  color.FgWhite,
}

// paintCone renders a cone colour name in its own colour.
func paintCone(name string) string {
	attr, ok := coneColors[name]
	if !ok {
		return name
	}
	return color.New(attr, color.Bold).Sprint(name)
}

// paintOutcome renders an outcome: correct green, wrong red, late yellow.
func paintOutcome(o game.Outcome) string {
	switch o {
	case game.Correct:
		return color.GreenString(o.String())
	case game.Wrong:
		return color.RedString(o.String())
	case game.Late:
		return color.YellowString(o.String())
	default:
		return color.HiBlackString(o.String())
	}
}

func yesNo(b bool) string {
	if b {
		return color.GreenString("yes")
	}
	return color.RedString("no")
}

func battery(pct int) string {
	switch {
	case pct < 0:
		return "-"
	case pct < 20:
		return color.RedString("%d%%", pct)
	default:
		return strconv.Itoa(pct) + "%"
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printCandidates lists discovered cones sorted by colour.
func printCandidates(w io.Writer, found map[string]scanner.Candidate, rejected map[string]string) error {
	colors := make([]string, 0, len(found))
	for c := range found {
		colors = append(colors, c)
	}
	sort.Strings(colors)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COLOR\tNAME\tADDRESS\tRSSI")
	for _, c := range colors {
		cand := found[c]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", paintCone(c), cand.ID.Name, cand.ID.Address, cand.RSSI)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(rejected) > 0 {
		fmt.Fprintf(w, "\n%s\n", color.RedString("Rejected (whitelist):"))
		addrs := make([]string, 0, len(rejected))
		for a := range rejected {
			addrs = append(addrs, a)
		}
		sort.Strings(addrs)
		for _, a := range addrs {
			fmt.Fprintf(w, "  %s  %s\n", a, rejected[a])
		}
	}
	return nil
}

// printStatus renders the device listing.
func printStatus(w io.Writer, status []registry.DeviceStatus) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COLOR\tNAME\tADDRESS\tSTATE\tONLINE\tBATTERY\tHEALTHY\tPOLLING")
	for _, s := range status {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			paintCone(s.Color), s.Name, s.Address, s.State, yesNo(s.Online), battery(s.Battery), yesNo(s.Healthy), yesNo(s.Polling))
	}
	return tw.Flush()
}

// printSession renders the round results and, for a battle, the summary.
func printSession(w io.Writer, sess *game.Session) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	battle := sess.Kind == game.ColorBattle
	if battle {
		fmt.Fprintln(tw, "ROUND\tPLAYER\tTARGET\tTOUCHED\tOUTCOME\tVALUE")
	} else {
		fmt.Fprintln(tw, "ROUND\tTARGET\tTOUCHED\tOUTCOME\tVALUE")
	}
	for _, r := range sess.Results {
		touched := r.Touched
		if touched == "" {
			touched = "-"
		} else {
			touched = paintCone(touched)
		}
		if battle {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%.2fs\n", r.Round, sess.Settings.Players[r.Player], paintCone(r.Target), touched, paintOutcome(r.Outcome), r.Value)
		} else {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.2fs\n", r.Round, paintCone(r.Target), touched, paintOutcome(r.Outcome), r.Value)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if b := sess.Battle; b != nil {
		fmt.Fprintln(w)
		for p, name := range b.Players {
			fmt.Fprintf(w, "%-12s wins %d  correct %d  total %.2fs\n", name, b.Wins[p], b.Correct[p], b.TotalTime[p])
		}
		if b.Winner == game.NoWinner {
			fmt.Fprintln(w, color.YellowString("Draw"))
		} else {
			fmt.Fprintln(w, color.GreenString("Winner: %s", b.Players[b.Winner]))
		}
	}
	fmt.Fprintf(w, "\nSession %s %s\n", sess.ID, sess.Status)
	return nil
}
