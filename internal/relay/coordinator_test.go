package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"hangouts-relay/internal/hangout"
	"hangouts-relay/internal/model"
	"hangouts-relay/internal/registry"
	"hangouts-relay/internal/store"
)

type frameWriter struct {
	frames [][]byte
	closed int
	fail   bool
}

func (w *frameWriter) Write(message []byte) error {
	if w.fail {
		return errors.New("write failed")
	}
	w.frames = append(w.frames, message)
	return nil
}

func (w *frameWriter) Close() error {
	w.closed++
	return nil
}

func (w *frameWriter) hangouts(t *testing.T) []model.Hangout {
	t.Helper()
	out := make([]model.Hangout, 0, len(w.frames))
	for _, f := range w.frames {
		var h model.Hangout
		if err := json.Unmarshal(f, &h); err != nil {
			t.Fatalf("unmarshal frame %q: %v", f, err)
		}
		out = append(out, h)
	}
	return out
}

func newTestCoordinator() (*Coordinator, *store.Memory, *registry.Registry) {
	st := store.NewMemory()
	reg := registry.New()
	return NewCoordinator(st, reg, nil), st, reg
}

func TestCoordinator_Validation(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator()

	_, err := c.Submit(ctx, hangout.CommandInvite, Identity{Username: "demo"}, Payload{})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed for missing counterpart, got %v", err)
	}

	_, err = c.Submit(ctx, hangout.CommandInvite, Identity{Username: "demo"}, Payload{Username: "demo"})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed for self-addressed, got %v", err)
	}

	_, err = c.Submit(ctx, "WAVE", Identity{Username: "demo"}, Payload{Username: "bero"})
	if !errors.Is(err, hangout.ErrUnsupportedCommand) {
		t.Fatalf("expected ErrUnsupportedCommand, got %v", err)
	}
}

func TestCoordinator_DualWriteComplementaryStates(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestCoordinator()

	res, err := c.Submit(ctx, hangout.CommandInvite,
		Identity{Username: "demo", Email: "demo@x.io"},
		Payload{Username: "bero", Email: "bero@x.io"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Sender.State != hangout.StateInviter || res.Recipient.State != hangout.StateInvitee {
		t.Fatalf("unexpected result states %s/%s", res.Sender.State, res.Recipient.State)
	}

	demo, _, _ := st.FindUser(ctx, "demo")
	bero, _, _ := st.FindUser(ctx, "bero")
	toBero, ok := demo.HangoutWith("bero")
	if !ok || toBero.State != hangout.StateInviter {
		t.Fatalf("expected demo INVITER toward bero, got %+v", toBero)
	}
	toDemo, ok := bero.HangoutWith("demo")
	if !ok || toDemo.State != hangout.StateInvitee {
		t.Fatalf("expected bero INVITEE toward demo, got %+v", toDemo)
	}
	if toDemo.Email != "demo@x.io" {
		t.Fatalf("expected sender email on recipient record, got %q", toDemo.Email)
	}
}

func TestCoordinator_OfflineRecipientQueuedPerDevice(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestCoordinator()

	st.RecordDevice(ctx, "bero", "b1", 1000)
	st.RecordDevice(ctx, "bero", "b2", 1000)

	res, err := c.Submit(ctx, hangout.CommandInvite, Identity{Username: "demo"}, Payload{Username: "bero"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Delivered != 0 || res.Queued != 2 {
		t.Fatalf("expected 0 delivered / 2 queued, got %d/%d", res.Delivered, res.Queued)
	}

	for _, device := range []string{"b1", "b2"} {
		got, err := st.DrainUndelivered(ctx, "bero", device)
		if err != nil {
			t.Fatalf("DrainUndelivered(%s): %v", device, err)
		}
		if len(got) != 1 || got[0].State != hangout.StateInvitee {
			t.Fatalf("expected INVITEE queued for %s, got %+v", device, got)
		}
	}
}

func TestCoordinator_LiveRecipientPushedNotQueued(t *testing.T) {
	ctx := context.Background()
	c, st, reg := newTestCoordinator()

	st.RecordDevice(ctx, "bero", "b1", 1000)
	st.RecordDevice(ctx, "bero", "b2", 1000)
	w1 := &frameWriter{}
	w2 := &frameWriter{}
	reg.Register(&registry.Connection{Username: "bero", BrowserID: "b1", Writer: w1})
	reg.Register(&registry.Connection{Username: "bero", BrowserID: "b2", Writer: w2})

	msg := &model.Message{Text: "hi", Timestamp: 42}
	res, err := c.Submit(ctx, hangout.CommandMessage, Identity{Username: "demo"},
		Payload{Username: "bero", Message: msg})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Delivered != 2 || res.Queued != 0 {
		t.Fatalf("expected 2 delivered / 0 queued, got %d/%d", res.Delivered, res.Queued)
	}

	for _, w := range []*frameWriter{w1, w2} {
		got := w.hangouts(t)
		if len(got) != 1 {
			t.Fatalf("expected 1 frame, got %d", len(got))
		}
		if got[0].Username != "demo" || got[0].State != hangout.StateMessaged {
			t.Fatalf("unexpected push %+v", got[0])
		}
		if got[0].Message == nil || got[0].Message.Text != "hi" || got[0].Message.Timestamp != 42 {
			t.Fatalf("unexpected message payload %+v", got[0].Message)
		}
	}

	for _, device := range []string{"b1", "b2"} {
		got, _ := st.DrainUndelivered(ctx, "bero", device)
		if len(got) != 0 {
			t.Fatalf("expected no queue entries for %s, got %+v", device, got)
		}
	}
}

func TestCoordinator_MixedDevices(t *testing.T) {
	ctx := context.Background()
	c, st, reg := newTestCoordinator()

	st.RecordDevice(ctx, "bero", "online", 1000)
	st.RecordDevice(ctx, "bero", "offline", 1000)
	w := &frameWriter{}
	reg.Register(&registry.Connection{Username: "bero", BrowserID: "online", Writer: w})

	res, err := c.Submit(ctx, hangout.CommandInvite, Identity{Username: "demo"}, Payload{Username: "bero"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Delivered != 1 || res.Queued != 1 {
		t.Fatalf("expected 1 delivered / 1 queued, got %d/%d", res.Delivered, res.Queued)
	}

	if got := w.hangouts(t); len(got) != 1 || got[0].State != hangout.StateInvitee {
		t.Fatalf("expected live INVITEE push, got %+v", got)
	}
	got, _ := st.DrainUndelivered(ctx, "bero", "offline")
	if len(got) != 1 || got[0].State != hangout.StateInvitee {
		t.Fatalf("expected INVITEE queued for offline device, got %+v", got)
	}
	got, _ = st.DrainUndelivered(ctx, "bero", "online")
	if len(got) != 0 {
		t.Fatalf("expected no duplicate for online device, got %+v", got)
	}
}

func TestCoordinator_NoDevicesUsesAccountQueue(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestCoordinator()

	res, err := c.Submit(ctx, hangout.CommandInvite, Identity{Username: "demo"}, Payload{Username: "bero"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Queued != 1 {
		t.Fatalf("expected 1 account-level queue entry, got %d", res.Queued)
	}

	// First device to ever connect drains it.
	st.RecordDevice(ctx, "bero", "b1", 1000)
	got, _ := st.DrainUndelivered(ctx, "bero", "b1")
	if len(got) != 1 || got[0].State != hangout.StateInvitee {
		t.Fatalf("expected account-level INVITEE, got %+v", got)
	}
}

func TestCoordinator_MessageWhileBlockedRejected(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator()

	if _, err := c.Submit(ctx, hangout.CommandBlock, Identity{Username: "demo"}, Payload{Username: "bero"}); err != nil {
		t.Fatalf("Submit BLOCK: %v", err)
	}

	_, err := c.Submit(ctx, hangout.CommandMessage, Identity{Username: "demo"},
		Payload{Username: "bero", Message: &model.Message{Text: "hi"}})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected blocker MESSAGE rejected, got %v", err)
	}

	// The blocked side cannot message either.
	_, err = c.Submit(ctx, hangout.CommandMessage, Identity{Username: "bero"},
		Payload{Username: "demo", Message: &model.Message{Text: "hi"}})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected blocked MESSAGE rejected, got %v", err)
	}

	// UNBLOCK reopens the relationship.
	if _, err := c.Submit(ctx, hangout.CommandUnblock, Identity{Username: "demo"}, Payload{Username: "bero"}); err != nil {
		t.Fatalf("Submit UNBLOCK: %v", err)
	}
	if _, err := c.Submit(ctx, hangout.CommandMessage, Identity{Username: "demo"},
		Payload{Username: "bero", Message: &model.Message{Text: "hi"}}); err != nil {
		t.Fatalf("expected MESSAGE after UNBLOCK to succeed, got %v", err)
	}
}

func TestCoordinator_SenderMirror(t *testing.T) {
	ctx := context.Background()
	c, st, reg := newTestCoordinator()

	// demo sends from b1; b2 is live, b3 is offline.
	st.RecordDevice(ctx, "demo", "b1", 1000)
	st.RecordDevice(ctx, "demo", "b2", 1000)
	st.RecordDevice(ctx, "demo", "b3", 1000)
	origin := &frameWriter{}
	other := &frameWriter{}
	reg.Register(&registry.Connection{Username: "demo", BrowserID: "b1", Writer: origin})
	reg.Register(&registry.Connection{Username: "demo", BrowserID: "b2", Writer: other})

	_, err := c.Submit(ctx, hangout.CommandInvite,
		Identity{Username: "demo", BrowserID: "b1"}, Payload{Username: "bero"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Originating device gets the result in the submit response, not a push.
	if len(origin.frames) != 0 {
		t.Fatalf("expected no push to originating device, got %d frames", len(origin.frames))
	}
	got := other.hangouts(t)
	if len(got) != 1 || got[0].State != hangout.StateInviter || got[0].Username != "bero" {
		t.Fatalf("expected INVITER mirror on live sibling device, got %+v", got)
	}

	delayed, err := st.DrainDelayed(ctx, "demo", "b3")
	if err != nil {
		t.Fatalf("DrainDelayed: %v", err)
	}
	if len(delayed) != 1 || delayed[0].State != hangout.StateInviter {
		t.Fatalf("expected INVITER in offline sibling's delayed queue, got %+v", delayed)
	}
}

type failingStore struct {
	store.HangoutStore
	failAppend bool
}

func (f *failingStore) AppendHangout(ctx context.Context, username string, h model.Hangout) error {
	if f.failAppend {
		return store.ErrStorageUnavailable
	}
	return f.HangoutStore.AppendHangout(ctx, username, h)
}

func TestCoordinator_EmailsFallBackToStoredDocuments(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestCoordinator()

	st.EnsureUser(ctx, "demo", "demo@x.io")
	st.EnsureUser(ctx, "bero", "bero@x.io")

	res, err := c.Submit(ctx, hangout.CommandInvite,
		Identity{Username: "demo", BrowserID: "d1"},
		Payload{Username: "bero"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Recipient.Email != "demo@x.io" {
		t.Fatalf("expected recipient-side record to carry the sender email, got %q", res.Recipient.Email)
	}
	if res.Sender.Email != "bero@x.io" {
		t.Fatalf("expected sender-side record to carry the counterpart email, got %q", res.Sender.Email)
	}
}

func TestCoordinator_StorageUnavailablePropagates(t *testing.T) {
	ctx := context.Background()
	st := &failingStore{HangoutStore: store.NewMemory(), failAppend: true}
	c := NewCoordinator(st, registry.New(), nil)

	_, err := c.Submit(ctx, hangout.CommandInvite, Identity{Username: "demo"}, Payload{Username: "bero"})
	if !errors.Is(err, store.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}
