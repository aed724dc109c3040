package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/brainmove/internal/device"
	"github.com/srg/brainmove/internal/protocol"
)

// scanLane serialises discovery; the radio scans for one caller at a time.
const scanLane = "scan"

// Isolate wraps a blocking transport so every call runs on pool. Connect, Close
// and Send are awaited; Post is fire-and-forget. Calls for one cone share a lane
// and keep their order.
func Isolate(inner device.Transport, pool *Pool, logger *logrus.Logger) device.Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &isolatedTransport{inner: inner, pool: pool, logger: logger}
}

type isolatedTransport struct {
	inner  device.Transport
	pool   *Pool
	logger *logrus.Logger
}

func (t *isolatedTransport) Name() string { return t.inner.Name() }

func (t *isolatedTransport) Connect(ctx context.Context, id device.ID, sink device.EventSink) (device.Session, error) {
	key := laneKey(id)

	var (
		mu        sync.Mutex
		sess      device.Session
		abandoned bool
	)
	err := t.pool.Do(ctx, key, "connect", func(ctx context.Context) error {
		s, err := t.inner.Connect(ctx, id, sink)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			// the caller stopped waiting; nobody will ever own this session
			_ = s.Close()
			return ctx.Err()
		}
		sess = s
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		abandoned = true
		if sess != nil {
			_ = sess.Close()
		}
		return nil, err
	}
	return &isolatedSession{inner: sess, pool: t.pool, key: key, logger: t.logger}, nil
}

// Scan runs the inner transport's scan on the scan lane.
func (t *isolatedTransport) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	scanner, ok := t.inner.(device.ScanningDevice)
	if !ok {
		return fmt.Errorf("%w: %s transport cannot scan", device.ErrUnsupported, t.inner.Name())
	}
	return t.pool.Do(ctx, scanLane, "scan", func(ctx context.Context) error {
		return scanner.Scan(ctx, allowDup, handler)
	})
}

func laneKey(id device.ID) string {
	if id.Address != "" {
		return id.Address
	}
	return id.Color
}

type isolatedSession struct {
	inner  device.Session
	pool   *Pool
	key    string
	logger *logrus.Logger
}

func (s *isolatedSession) Send(ctx context.Context, cmd protocol.Command) error {
	return s.pool.Do(ctx, s.key, cmd.String(), func(ctx context.Context) error {
		return s.inner.Send(ctx, cmd)
	})
}

// Post queues cmd behind earlier commands for the same cone without waiting.
func (s *isolatedSession) Post(cmd protocol.Command) {
	err := s.pool.Go(s.key, cmd.String(), func(ctx context.Context) error {
		return s.inner.Send(ctx, cmd)
	})
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"lane":    s.key,
			"command": cmd.String(),
			"error":   err,
		}).Warn("Failed to queue command")
	}
}

func (s *isolatedSession) Disconnected() <-chan struct{} {
	return s.inner.Disconnected()
}

func (s *isolatedSession) Close() error {
	return s.pool.Do(context.Background(), s.key, "close", func(context.Context) error {
		return s.inner.Close()
	})
}
