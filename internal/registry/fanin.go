package registry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/brainmove/internal/device"
	"github.com/srg/brainmove/internal/presentation"
	"github.com/srg/brainmove/internal/protocol"
	"github.com/srg/brainmove/internal/ringchan"
)

const subscriptionSize = 64

// Subscription is an ordered view of the registry's event stream.
type Subscription struct {
	r      *Registry
	ch     *ringchan.RingChannel[device.Event]
	filter func(device.Event) bool
}

// Subscribe returns a subscription receiving every event for which filter
// returns true (all events when filter is nil), in arrival order.
func (r *Registry) Subscribe(filter func(device.Event) bool) *Subscription {
	s := &Subscription{
		r:      r,
		ch:     ringchan.NewRingChannel[device.Event](subscriptionSize),
		filter: filter,
	}
	r.subsMu.Lock()
	r.subs[s] = struct{}{}
	r.subsMu.Unlock()
	return s
}

// Detections is a filter selecting sensor-fired detections.
func Detections(ev device.Event) bool {
	return ev.Touched()
}

// C returns the event channel. It is closed when the subscription or the registry closes.
func (s *Subscription) C() <-chan device.Event {
	return s.ch.C()
}

// Drain discards buffered events and returns how many were dropped.
func (s *Subscription) Drain() int {
	return s.ch.Drain()
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.r.subsMu.Lock()
	delete(s.r.subs, s)
	s.r.subsMu.Unlock()
	s.ch.Close()
}

// onEvent runs on the cone's delivery path; it only enqueues.
func (r *Registry) onEvent(ev device.Event) {
	if r.intake.Send(ev) {
		r.logger.WithField("device", ev.Device.String()).Warn("Event intake full, dropped oldest event")
	}
}

// pump is the single consumer of the intake queue. Bookkeeping and delivery
// happen here so subscribers observe events in arrival order.
func (r *Registry) pump() {
	for ev := range r.intake.C() {
		r.record(ev)

		r.subsMu.Lock()
		for s := range r.subs {
			if s.filter == nil || s.filter(ev) {
				if s.ch.Send(ev) {
					r.logger.WithField("device", ev.Device.String()).Debug("Subscriber lagging, dropped oldest event")
				}
			}
		}
		r.subsMu.Unlock()
	}
}

func (r *Registry) record(ev device.Event) {
	color := ev.Device.Color
	switch {
	case ev.Touched():
		r.lastDetection.Set(color, ev)
	case ev.Type == protocol.MsgBattery:
		r.sink.Emit("battery", presentation.Fields{"color": color, "battery": ev.Percent})
	case ev.Type == protocol.MsgStatus:
		r.logger.WithFields(logrus.Fields{
			"device": ev.Device.String(),
			"status": ev.Status.String(),
		}).Debug("Cone status")
	}
	if ev.IsLiveness() {
		if _, was := r.unhealthy.Get(color); was {
			r.unhealthy.Del(color)
			r.logger.WithField("device", ev.Device.String()).Info("Cone healthy again")
		}
	}
}

func (r *Registry) onReady(id device.ID) {
	r.readySince.Set(id.Color, r.now())
	r.unhealthy.Del(id.Color)

	battery := -1
	if c, ok := r.cones.Get(id.Color); ok {
		battery = c.Snapshot().Battery
	}
	r.logger.WithFields(logrus.Fields{
		"device":  id.String(),
		"address": id.Address,
	}).Info("Cone connected")
	r.sink.Emit("device_connected", presentation.Fields{
		"color":   id.Color,
		"name":    id.Name,
		"address": id.Address,
		"battery": battery,
	})
	if r.AllConnected() && r.announced.CompareAndSwap(false, true) {
		r.sink.Emit("all_devices_connected", presentation.Fields{"colors": r.Ready()})
	}
}

func (r *Registry) onDisconnect(id device.ID) {
	r.lastDetection.Del(id.Color)
	r.readySince.Del(id.Color)
	r.announced.Store(false)

	r.logger.WithField("device", id.String()).Warn("Cone disconnected")
	r.sink.Emit("device_disconnected", presentation.Fields{
		"color":   id.Color,
		"name":    id.Name,
		"address": id.Address,
	})
}

func (r *Registry) onReconnectFailed(id device.ID, err error) {
	r.logger.WithFields(logrus.Fields{
		"device": id.String(),
		"error":  err,
	}).Error("Cone is offline, giving up reconnecting")
	r.sink.Emit("device_offline", presentation.Fields{
		"color": id.Color,
		"name":  id.Name,
		"error": err.Error(),
	})
}

func (r *Registry) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep pings every ready cone that is not polling and flags the ones that have
// not proven liveness within HealthTimeout. It returns the unhealthy colours.
func (r *Registry) Sweep() []string {
	now := r.now()
	var flagged []string

	for _, c := range r.Cones() {
		snap := c.Snapshot()
		if snap.State != device.StateReady || snap.Polling {
			continue
		}
		color := snap.ID.Color

		if err := c.PostCommand(protocol.KeepalivePing); err != nil {
			r.logger.WithFields(logrus.Fields{
				"device": snap.ID.String(),
				"error":  err,
			}).Debug("Keepalive skipped")
			continue
		}

		since := snap.LastKeepalive
		if ready, ok := r.readySince.Get(color); ok && ready.After(since) {
			since = ready
		}
		if since.IsZero() || now.Sub(since) <= r.opts.HealthTimeout {
			continue
		}

		flagged = append(flagged, color)
		if _, already := r.unhealthy.GetOrInsert(color, true); already {
			continue
		}
		r.logger.WithFields(logrus.Fields{
			"device":    snap.ID.String(),
			"last_seen": since,
		}).Warn("Cone missed keepalives, flagged unhealthy")
		r.sink.Emit("device_unhealthy", presentation.Fields{
			"color":     color,
			"last_seen": since,
		})
	}
	return flagged
}
