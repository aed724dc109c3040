// Package scanner discovers cones from BLE advertisements and applies the
// name-prefix filter and the trusted-address whitelist.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/brainmove/internal/device"
	"github.com/srg/brainmove/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// EventType marks if the cone was newly discovered, updated or refused
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
	EventRejected
)

func (t EventType) String() string {
	switch t {
	case EventNew:
		return "new"
	case EventUpdated:
		return "updated"
	case EventRejected:
		return "rejected"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is published for every advertisement that passes the prefix filter.
type Event struct {
	Type      EventType
	Candidate Candidate
	Reason    string
}

// Candidate is an accepted cone advertisement.
type Candidate struct {
	ID     device.ID
	RSSI   int
	SeenAt time.Time
}

// Verdict is the outcome of evaluating one advertisement.
type Verdict int

const (
	Ignore Verdict = iota // not a cone, or not one this host manages
	Accept
	Reject // claims to be a cone but fails the whitelist
)

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration `default:"5s"`
	DuplicateFilter bool          `default:"true"`
	NamePrefix      string        `default:"BM-"`
	// Trusted maps a MAC address to the colour of the cone that owns it.
	Trusted map[string]string
	// Strict accepts only trusted addresses advertising their expected name.
	Strict bool
	// Colors limits non-strict discovery to these colours; empty accepts any.
	Colors []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	opts := &ScanOptions{}
	defaults.SetDefaults(opts)
	return opts
}

// NormalizeAddress returns the canonical upper-case form of a MAC address.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// Evaluate decides whether adv is a cone this host may connect to. The reason is
// empty for accepted advertisements.
func Evaluate(adv device.Advertisement, opts *ScanOptions) (Candidate, Verdict, string) {
	name := adv.LocalName()
	if !strings.HasPrefix(name, opts.NamePrefix) {
		return Candidate{}, Ignore, "name prefix"
	}
	addr := NormalizeAddress(adv.Addr())

	var color string
	if opts.Strict {
		trusted, ok := lookupTrusted(opts.Trusted, addr)
		if !ok {
			return Candidate{}, Ignore, "address not trusted"
		}
		if expected := device.ExpectedName(opts.NamePrefix, trusted); name != expected {
			return Candidate{}, Reject, fmt.Sprintf("address %s belongs to %q but advertises %q", addr, expected, name)
		}
		color = strings.ToLower(trusted)
	} else {
		color = device.ColorFromName(opts.NamePrefix, name)
		if color == "" {
			return Candidate{}, Ignore, "no colour in name"
		}
		if len(opts.Colors) > 0 && !slices.Contains(opts.Colors, color) {
			return Candidate{}, Ignore, "colour not managed"
		}
		if trusted, ok := lookupTrusted(opts.Trusted, addr); ok && !strings.EqualFold(trusted, color) {
			return Candidate{}, Reject, fmt.Sprintf("address %s belongs to %s but advertises %q", addr, trusted, name)
		}
	}

	return Candidate{
		ID:     device.ID{Color: color, Name: name, Address: adv.Addr()},
		RSSI:   adv.RSSI(),
		SeenAt: time.Now(),
	}, Accept, ""
}

func lookupTrusted(trusted map[string]string, addr string) (string, bool) {
	for mac, color := range trusted {
		if NormalizeAddress(mac) == addr {
			return color, true
		}
	}
	return "", false
}

// Scanner handles cone discovery
type Scanner struct {
	dev      device.ScanningDevice
	devices  *hashmap.Map[string, Candidate]
	rejected *hashmap.Map[string, string]
	events   *ringchan.RingChannel[Event]
	logger   *logrus.Logger

	scanOptions *ScanOptions
}

// NewScanner creates a scanner on top of dev.
func NewScanner(dev device.ScanningDevice, logger *logrus.Logger) (*Scanner, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: transport cannot scan", device.ErrUnsupported)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		dev:    dev,
		events: ringchan.NewRingChannel[Event](100),
		logger: logger,
	}, nil
}

// Scan performs discovery with provided options and returns the accepted cones
// keyed by colour.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) (map[string]Candidate, error) {
	s.devices = hashmap.New[string, Candidate]()
	s.rejected = hashmap.New[string, string]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.logger.WithFields(logrus.Fields{
		"duration": opts.Duration,
		"strict":   opts.Strict,
		"prefix":   opts.NamePrefix,
	}).Info("Starting cone scan...")

	progressCallback("Scanning")

	scanCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()
	err := s.dev.Scan(scanCtx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.logger.WithFields(logrus.Fields{
		"device_count": s.devices.Len(),
		"rejected":     s.rejected.Len(),
	}).Info("Cone scan completed")

	progressCallback("Processing results")

	found := make(map[string]Candidate, s.devices.Len())
	s.devices.Range(func(_ string, c Candidate) bool {
		if prev, dup := found[c.ID.Color]; dup {
			s.logger.WithFields(logrus.Fields{
				"color": c.ID.Color,
				"kept":  prev.ID.Address,
				"skip":  c.ID.Address,
			}).Warn("Two cones advertise the same colour")
			return true
		}
		found[c.ID.Color] = c
		return true
	})

	return found, nil
}

// handleAdvertisement updates existing or adds a new cone
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	opts := s.scanOptions
	if opts == nil {
		return
	}
	key := NormalizeAddress(adv.Addr())

	if prev, ok := s.devices.Get(key); ok {
		prev.RSSI = adv.RSSI()
		prev.SeenAt = time.Now()
		s.devices.Set(key, prev)
		s.events.Send(Event{Type: EventUpdated, Candidate: prev})
		return
	}
	if _, ok := s.rejected.Get(key); ok {
		return
	}

	cand, verdict, reason := Evaluate(adv, opts)
	switch verdict {
	case Accept:
		if _, existing := s.devices.GetOrInsert(key, cand); existing {
			return
		}
		s.logger.WithFields(logrus.Fields{
			"device":  cand.ID.Name,
			"color":   cand.ID.Color,
			"address": cand.ID.Address,
			"rssi":    cand.RSSI,
		}).Info("Discovered cone")
		s.events.Send(Event{Type: EventNew, Candidate: cand})
	case Reject:
		s.rejected.Set(key, reason)
		s.logger.WithFields(logrus.Fields{
			"name":    adv.LocalName(),
			"address": adv.Addr(),
			"reason":  reason,
		}).Warn("Security: rejected cone failing the whitelist")
		s.events.Send(Event{
			Type:      EventRejected,
			Candidate: Candidate{ID: device.ID{Name: adv.LocalName(), Address: adv.Addr()}, RSSI: adv.RSSI()},
			Reason:    reason,
		})
	case Ignore:
		if strings.HasPrefix(adv.LocalName(), opts.NamePrefix) {
			s.logger.WithFields(logrus.Fields{
				"name":    adv.LocalName(),
				"address": adv.Addr(),
				"reason":  reason,
			}).Debug("Ignoring advertisement")
		}
	}
}

// Rejected returns the addresses refused during the last scan with the reason.
func (s *Scanner) Rejected() map[string]string {
	out := make(map[string]string)
	if s.rejected == nil {
		return out
	}
	s.rejected.Range(func(addr, reason string) bool {
		out[addr] = reason
		return true
	})
	return out
}

// Events return a read-only channel of discovery events
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}
