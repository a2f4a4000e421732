package relay

import (
	"context"
	"encoding/json"
	"time"

	"hangouts-relay/internal/model"
	"hangouts-relay/internal/registry"
	"hangouts-relay/internal/store"
)

// Syncer runs the reconnect protocol for one device: register the channel,
// record the device, then replay the device's queued events in FIFO order.
type Syncer struct {
	store    store.HangoutStore
	registry *registry.Registry
	encode   EncodeFunc
	now      func() int64
}

func NewSyncer(st store.HangoutStore, reg *registry.Registry, encode EncodeFunc) *Syncer {
	if encode == nil {
		encode = func(h model.Hangout) ([]byte, error) { return json.Marshal(h) }
	}
	return &Syncer{
		store:    st,
		registry: reg,
		encode:   encode,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// OnConnect registers the connection and drains the device's undelivered and
// delayed queues onto it. If the sync fails the entry is removed again; a
// half-connected device must not receive pushes.
func (s *Syncer) OnConnect(ctx context.Context, conn *registry.Connection) error {
	s.registry.Register(conn)
	if err := s.syncDevice(ctx, conn); err != nil {
		s.registry.Unregister(conn)
		return err
	}
	return nil
}

// syncDevice records the device and replays its queues. Replay order matters:
// a later BLOCK supersedes an earlier INVITE, so events go out exactly as
// enqueued.
func (s *Syncer) syncDevice(ctx context.Context, conn *registry.Connection) error {
	if err := s.store.EnsureUser(ctx, conn.Username, ""); err != nil {
		return err
	}
	if err := s.store.RecordDevice(ctx, conn.Username, conn.BrowserID, s.now()); err != nil {
		return err
	}

	undelivered, err := s.store.DrainUndelivered(ctx, conn.Username, conn.BrowserID)
	if err != nil {
		return err
	}
	if err := s.replay(ctx, conn, undelivered, s.store.EnqueueUndelivered); err != nil {
		return err
	}

	delayed, err := s.store.DrainDelayed(ctx, conn.Username, conn.BrowserID)
	if err != nil {
		return err
	}
	return s.replay(ctx, conn, delayed, s.store.EnqueueDelayed)
}

// OnDisconnect drops the registry entry for a closed channel.
func (s *Syncer) OnDisconnect(conn *registry.Connection) {
	s.registry.Unregister(conn)
}

type enqueueFunc func(ctx context.Context, username, browserID string, h model.Hangout) error

// replay writes drained events to the channel. If a write fails the remaining
// events are re-enqueued so the next connect picks them up; the delivery
// contract is at-least-once, never silent loss.
func (s *Syncer) replay(ctx context.Context, conn *registry.Connection, events []model.Hangout, requeue enqueueFunc) error {
	for i, h := range events {
		frame, err := s.encode(h)
		if err != nil {
			continue
		}
		if werr := conn.Writer.Write(frame); werr != nil {
			for _, rest := range events[i:] {
				if qerr := requeue(ctx, conn.Username, conn.BrowserID, rest); qerr != nil {
					return qerr
				}
			}
			_ = conn.Writer.Close()
			s.registry.Unregister(conn)
			return werr
		}
	}
	return nil
}
