package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"hangouts-relay/internal/hangout"
	"hangouts-relay/internal/model"
	"hangouts-relay/internal/registry"
	"hangouts-relay/internal/store"
)

// ErrValidationFailed rejects a malformed or self-addressed command, or a
// message across a blocked relationship. No state changes.
var ErrValidationFailed = errors.New("validation failed")

// EncodeFunc wraps a hangout record into the wire frame pushed over live
// channels. The transport layer supplies it so the relay stays frame-agnostic.
type EncodeFunc func(model.Hangout) ([]byte, error)

// Identity is the verified sender attached to a connection by the auth layer.
type Identity struct {
	Username  string
	Email     string
	BrowserID string
}

// Payload is the command body addressed to a counterpart.
type Payload struct {
	Username string
	Email    string
	Message  *model.Message
}

// Result reports the outcome of a submitted command.
type Result struct {
	Sender    model.Hangout // the sender's stored record toward the counterpart
	Recipient model.Hangout // the counterpart's stored record toward the sender
	Delivered int           // live recipient channels reached
	Queued    int           // offline queues written for the recipient
}

// Coordinator orchestrates one command: validate, resolve both states, write
// both documents, then deliver live or enqueue per offline device.
type Coordinator struct {
	store    store.HangoutStore
	registry *registry.Registry
	encode   EncodeFunc
	pairs    *pairLocks
}

func NewCoordinator(st store.HangoutStore, reg *registry.Registry, encode EncodeFunc) *Coordinator {
	if encode == nil {
		encode = func(h model.Hangout) ([]byte, error) { return json.Marshal(h) }
	}
	return &Coordinator{
		store:    st,
		registry: reg,
		encode:   encode,
		pairs:    newPairLocks(),
	}
}

// Submit runs one command end to end. Errors are one of ErrValidationFailed,
// hangout.ErrUnsupportedCommand, or store.ErrStorageUnavailable; absence of a
// live recipient is not an error, it routes to the offline queues.
func (c *Coordinator) Submit(ctx context.Context, cmd hangout.Command, sender Identity, p Payload) (Result, error) {
	if p.Username == "" {
		return Result{}, fmt.Errorf("%w: missing counterpart username", ErrValidationFailed)
	}
	if p.Username == sender.Username {
		return Result{}, fmt.Errorf("%w: self-addressed hangout", ErrValidationFailed)
	}

	senderState, recipientState, err := hangout.Resolve(cmd)
	if err != nil {
		return Result{}, err
	}

	unlock := c.pairs.lock(sender.Username, p.Username)
	defer unlock()

	if err := c.store.EnsureUser(ctx, sender.Username, sender.Email); err != nil {
		return Result{}, err
	}
	if err := c.store.EnsureUser(ctx, p.Username, p.Email); err != nil {
		return Result{}, err
	}

	senderDoc, _, err := c.store.FindUser(ctx, sender.Username)
	if err != nil {
		return Result{}, err
	}
	recipientDoc, _, err := c.store.FindUser(ctx, p.Username)
	if err != nil {
		return Result{}, err
	}
	if cmd == hangout.CommandMessage || cmd == hangout.CommandRead {
		if current, ok := senderDoc.HangoutWith(p.Username); ok {
			if current.State == hangout.StateBlocker || current.State == hangout.StateBlocked {
				return Result{}, fmt.Errorf("%w: relationship is blocked", ErrValidationFailed)
			}
		}
	}

	// The connection identity and the command body may omit emails; the
	// stored documents keep the ones captured at registration.
	senderEmail := sender.Email
	if senderEmail == "" {
		senderEmail = senderDoc.Email
	}
	counterpartEmail := p.Email
	if counterpartEmail == "" {
		counterpartEmail = recipientDoc.Email
	}

	senderSide := model.Hangout{
		Username: p.Username,
		Email:    counterpartEmail,
		State:    senderState,
		Message:  p.Message,
	}
	recipientSide := model.Hangout{
		Username: sender.Username,
		Email:    senderEmail,
		State:    recipientState,
		Message:  p.Message,
	}

	// Recipient document first: if the process dies between the two writes,
	// the recipient holds the new state and a re-submit converges, because
	// AppendHangout replaces by counterpart key.
	if err := c.store.AppendHangout(ctx, p.Username, recipientSide); err != nil {
		return Result{}, err
	}
	if err := c.store.AppendHangout(ctx, sender.Username, senderSide); err != nil {
		return Result{}, err
	}

	delivered, queued, err := c.deliver(ctx, p.Username, recipientSide)
	if err != nil {
		return Result{}, err
	}
	if err := c.mirrorToSenderDevices(ctx, senderDoc, sender.BrowserID, senderSide); err != nil {
		return Result{}, err
	}

	return Result{
		Sender:    senderSide,
		Recipient: recipientSide,
		Delivered: delivered,
		Queued:    queued,
	}, nil
}

// deliver pushes the recipient-side record to each live device of the
// recipient and enqueues it for each offline one. A recipient with no
// recorded devices gets an account-level queue entry, drained by whichever
// device connects first.
func (c *Coordinator) deliver(ctx context.Context, username string, h model.Hangout) (delivered, queued int, err error) {
	frame, err := c.encode(h)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: encode push: %v", ErrValidationFailed, err)
	}

	doc, _, err := c.store.FindUser(ctx, username)
	if err != nil {
		return 0, 0, err
	}

	pushed := make(map[string]bool, len(doc.Browsers))
	for _, b := range doc.Browsers {
		conn, live := c.registry.LookupDevice(username, b.BrowserID)
		if live {
			if werr := conn.Writer.Write(frame); werr == nil {
				delivered++
				pushed[b.BrowserID] = true
				continue
			}
			_ = conn.Writer.Close()
			c.registry.Unregister(conn)
		}
		if qerr := c.store.EnqueueUndelivered(ctx, username, b.BrowserID, h); qerr != nil {
			return delivered, queued, qerr
		}
		queued++
	}

	// Live connections whose device record has not landed yet.
	reached := make([]string, 0, len(pushed))
	for id := range pushed {
		reached = append(reached, id)
	}
	delivered += c.registry.Push(username, frame, reached...)

	if delivered == 0 && queued == 0 {
		if qerr := c.store.EnqueueUndelivered(ctx, username, "", h); qerr != nil {
			return 0, 0, qerr
		}
		queued++
	}
	return delivered, queued, nil
}

// mirrorToSenderDevices keeps the sender's other devices consistent: live ones
// get the sender-side record pushed, offline ones get a delayed queue entry.
// The originating device receives the record in the Submit result.
func (c *Coordinator) mirrorToSenderDevices(ctx context.Context, doc model.User, originBrowserID string, h model.Hangout) error {
	if len(doc.Browsers) == 0 {
		return nil
	}
	frame, err := c.encode(h)
	if err != nil {
		return fmt.Errorf("%w: encode mirror: %v", ErrValidationFailed, err)
	}

	for _, b := range doc.Browsers {
		if b.BrowserID == originBrowserID {
			continue
		}
		if conn, live := c.registry.LookupDevice(doc.Username, b.BrowserID); live {
			if werr := conn.Writer.Write(frame); werr == nil {
				continue
			}
			_ = conn.Writer.Close()
			c.registry.Unregister(conn)
		}
		if err := c.store.EnqueueDelayed(ctx, doc.Username, b.BrowserID, h); err != nil {
			return err
		}
	}
	return nil
}
