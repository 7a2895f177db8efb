package roomsync

import (
	"errors"

	"github.com/mcdev12/planning-poker/go/internal/roomsync/roomstate"
)

var (
	ErrInvalidIdentity = roomstate.ErrInvalidIdentity
	ErrSessionEnded    = errors.New("session ended")
	ErrAlreadyStarted  = errors.New("session already started")
	ErrNoHeartbeat     = errors.New("no heartbeat transport")
)
