package action

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcdev12/planning-poker/go/internal/roomsync/roomstate"
)

// Verb names a room mutation understood by the remote authority
type Verb string

const (
	VerbJoin   Verb = "join"
	VerbVote   Verb = "vote"
	VerbReveal Verb = "reveal"
	VerbReset  Verb = "reset"
	VerbLeave  Verb = "leave"
)

// Participant is forwarded with a join; the client never mutates it
type Participant struct {
	Username  string `json:"username"`
	Spectator bool   `json:"spectator"`
}

// Action is a single outbound request. Fields carries the verb-specific extras
// and is flattened next to action/roomId/userId on the wire.
type Action struct {
	Verb   Verb
	RoomID int64
	UserID string
	Fields map[string]interface{}
}

// New builds an action for id with optional extra fields
func New(verb Verb, id roomstate.Identity, fields map[string]interface{}) Action {
	return Action{Verb: verb, RoomID: id.RoomID, UserID: id.UserID, Fields: fields}
}

func Join(id roomstate.Identity, p Participant) Action {
	return New(VerbJoin, id, map[string]interface{}{
		"username":  p.Username,
		"spectator": p.Spectator,
	})
}

func Vote(id roomstate.Identity, value string) Action {
	return New(VerbVote, id, map[string]interface{}{"value": value})
}

func Reveal(id roomstate.Identity) Action { return New(VerbReveal, id, nil) }

func Reset(id roomstate.Identity) Action { return New(VerbReset, id, nil) }

func Leave(id roomstate.Identity) Action { return New(VerbLeave, id, nil) }

// MarshalJSON flattens Fields into the top-level object
func (a Action) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(a.Fields)+3)
	for k, v := range a.Fields {
		out[k] = v
	}
	out["action"] = a.Verb
	out["roomId"] = a.RoomID
	out["userId"] = a.UserID
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var decoded Action
	if v, ok := raw["action"]; ok {
		if err := json.Unmarshal(v, &decoded.Verb); err != nil {
			return fmt.Errorf("decode action: %w", err)
		}
	}
	if v, ok := raw["roomId"]; ok {
		if err := json.Unmarshal(v, &decoded.RoomID); err != nil {
			return fmt.Errorf("decode roomId: %w", err)
		}
	}
	if v, ok := raw["userId"]; ok {
		if err := json.Unmarshal(v, &decoded.UserID); err != nil {
			return fmt.Errorf("decode userId: %w", err)
		}
	}
	delete(raw, "action")
	delete(raw, "roomId")
	delete(raw, "userId")
	if len(raw) > 0 {
		decoded.Fields = make(map[string]interface{}, len(raw))
		for k, v := range raw {
			var val interface{}
			if err := json.Unmarshal(v, &val); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			decoded.Fields[k] = val
		}
	}
	*a = decoded
	return nil
}

// Dispatcher asks the remote authority to apply an action. The result is not observed.
type Dispatcher interface {
	Dispatch(ctx context.Context, a Action)
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(ctx context.Context, a Action)

func (f DispatcherFunc) Dispatch(ctx context.Context, a Action) { f(ctx, a) }

// Heartbeater confirms local liveness. It is the only outbound call whose
// success the sync core inspects.
type Heartbeater interface {
	Heartbeat(ctx context.Context, id roomstate.Identity) error
}

// HeartbeaterFunc adapts a function to Heartbeater
type HeartbeaterFunc func(ctx context.Context, id roomstate.Identity) error

func (f HeartbeaterFunc) Heartbeat(ctx context.Context, id roomstate.Identity) error {
	return f(ctx, id)
}
