package hangout

import (
	"errors"
	"fmt"
)

// Command is an inbound relationship command from a client.
type Command string

const (
	CommandInvite  Command = "INVITE"
	CommandAccept  Command = "ACCEPT"
	CommandDecline Command = "DECLINE"
	CommandBlock   Command = "BLOCK"
	CommandUnblock Command = "UNBLOCK"
	CommandMessage Command = "MESSAGE"
	CommandRead    Command = "READ"
)

// Hangout states, as stored on each side of a relationship. The sender of a
// command lands in the actor state, the recipient in the paired one.
const (
	StateInviter   = "INVITER"
	StateInvitee   = "INVITEE"
	StateAccepter  = "ACCEPTER"
	StateAccepted  = "ACCEPTED"
	StateDecliner  = "DECLINER"
	StateDeclined  = "DECLINED"
	StateBlocker   = "BLOCKER"
	StateBlocked   = "BLOCKED"
	StateUnblocker = "UNBLOCKER"
	StateUnblocked = "UNBLOCKED"
	StateMessanger = "MESSANGER"
	StateMessaged  = "MESSAGED"
	StateReader    = "READER"
	StateRead      = "READ"
)

// ErrUnsupportedCommand rejects commands outside the transition table. It is
// fatal to the single request, never to the process.
var ErrUnsupportedCommand = errors.New("unsupported command")

// Resolve maps a command to the (sender, recipient) state pair. It enforces no
// business rule beyond membership in the table; guards such as refusing
// messages across a block belong to the coordinator.
func Resolve(cmd Command) (senderState, recipientState string, err error) {
	switch cmd {
	case CommandInvite:
		return StateInviter, StateInvitee, nil
	case CommandAccept:
		return StateAccepter, StateAccepted, nil
	case CommandDecline:
		return StateDecliner, StateDeclined, nil
	case CommandBlock:
		return StateBlocker, StateBlocked, nil
	case CommandUnblock:
		return StateUnblocker, StateUnblocked, nil
	case CommandMessage:
		return StateMessanger, StateMessaged, nil
	case CommandRead:
		return StateReader, StateRead, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedCommand, string(cmd))
	}
}
