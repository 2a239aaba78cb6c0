package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wolfeidau/paychat/internal/store"
)

// ErrStateMismatch is returned when an edit targets a flow that is not the
// principal's current flow.
var ErrStateMismatch = errors.New("conversation state mismatch")

// Action tags the multi-step flow a principal is in.
type Action string

const (
	ActionLogin    Action = "login"
	ActionTransfer Action = "transfer"
	ActionAddPayee Action = "add_payee"
)

// ConversationState is one of LoginState, TransferState or PayeeState. A nil
// ConversationState means no flow is in progress.
type ConversationState interface {
	Action() Action
	isConversationState()
}

type LoginStep string

const (
	LoginAwaitEmail LoginStep = "await_email"
	LoginAwaitOTP   LoginStep = "await_otp"
)

// LoginState tracks the email/OTP login flow.
type LoginState struct {
	Step  LoginStep `json:"step"`
	Email string    `json:"email,omitempty"`
	SID   string    `json:"sid,omitempty"`
}

func (LoginState) Action() Action      { return ActionLogin }
func (LoginState) isConversationState() {}

type TransferStep string

const (
	TransferSelectPayee TransferStep = "select_payee"
	TransferAmount      TransferStep = "amount"
	TransferReference   TransferStep = "reference"
	TransferConfirm     TransferStep = "confirm"
)

// TransferState tracks a payment to an existing payee. Amount is in minor
// currency units.
type TransferState struct {
	Step      TransferStep `json:"step"`
	PayeeID   string       `json:"payeeId,omitempty"`
	Amount    int64        `json:"amount,omitempty"`
	Currency  string       `json:"currency,omitempty"`
	Reference string       `json:"reference,omitempty"`
}

func (TransferState) Action() Action      { return ActionTransfer }
func (TransferState) isConversationState() {}

type PayeeStep string

const (
	PayeeName    PayeeStep = "name"
	PayeeAccount PayeeStep = "account"
	PayeeBank    PayeeStep = "bank"
	PayeeConfirm PayeeStep = "confirm"
)

// PayeeState tracks adding a new payee.
type PayeeState struct {
	Step          PayeeStep `json:"step"`
	Name          string    `json:"name,omitempty"`
	AccountNumber string    `json:"accountNumber,omitempty"`
	BankCode      string    `json:"bankCode,omitempty"`
}

func (PayeeState) Action() Action      { return ActionAddPayee }
func (PayeeState) isConversationState() {}

type patchKind int

const (
	patchTouch patchKind = iota
	patchBegin
	patchEdit
	patchClear
)

// Patch describes a change to a principal's conversation state.
type Patch struct {
	kind  patchKind
	state ConversationState
	edit  func(ConversationState) (ConversationState, error)
}

// Begin replaces the current state with s, switching flows if needed.
func Begin(s ConversationState) Patch {
	if s == nil {
		return Clear()
	}
	return Patch{kind: patchBegin, state: s}
}

// Clear ends the current flow.
func Clear() Patch {
	return Patch{kind: patchClear}
}

// Touch leaves the state unchanged and only records activity.
func Touch() Patch {
	return Patch{kind: patchTouch}
}

// Edit applies fn to the current state when it is of type S. The flow tag is
// preserved; any other current state fails with ErrStateMismatch.
func Edit[S ConversationState](fn func(S) S) Patch {
	return Patch{
		kind: patchEdit,
		edit: func(current ConversationState) (ConversationState, error) {
			s, ok := current.(S)
			if !ok {
				var want S
				return current, fmt.Errorf("%w: want %s, have %s", ErrStateMismatch, want.Action(), actionOf(current))
			}
			return fn(s), nil
		},
	}
}

// Transition computes the state that results from applying p to current.
func Transition(current ConversationState, p Patch) (ConversationState, error) {
	switch p.kind {
	case patchBegin:
		return p.state, nil
	case patchClear:
		return nil, nil
	case patchEdit:
		return p.edit(current)
	default:
		return current, nil
	}
}

func actionOf(s ConversationState) Action {
	if s == nil {
		return "none"
	}
	return s.Action()
}

func encodeState(s ConversationState) (*store.StateData, error) {
	if s == nil {
		return nil, nil
	}

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s state: %w", s.Action(), err)
	}

	return &store.StateData{CurrentAction: string(s.Action()), Data: data}, nil
}

func decodeState(d *store.StateData) (ConversationState, error) {
	if d == nil || d.CurrentAction == "" {
		return nil, nil
	}

	switch Action(d.CurrentAction) {
	case ActionLogin:
		return decodeVariant[LoginState](d.Data)
	case ActionTransfer:
		return decodeVariant[TransferState](d.Data)
	case ActionAddPayee:
		return decodeVariant[PayeeState](d.Data)
	default:
		return nil, fmt.Errorf("unknown conversation action %q", d.CurrentAction)
	}
}

func decodeVariant[S ConversationState](data json.RawMessage) (ConversationState, error) {
	var s S
	if len(data) == 0 || string(data) == "null" {
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s state: %w", s.Action(), err)
	}
	return s, nil
}
