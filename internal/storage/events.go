package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateOpenPosition is returned when a second incarnation would be open for the same key
var ErrDuplicateOpenPosition = errors.New("an open position already exists for this key")

// EventKey identifies one chain log: the transaction hash plus the log index within it
type EventKey struct {
	TxHash   string
	LogIndex uint
}

// NewEventKey normalizes the hash so redeliveries with different casing collide
func NewEventKey(txHash string, logIndex uint) EventKey {
	return EventKey{TxHash: strings.ToLower(txHash), LogIndex: logIndex}
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s:%d", k.TxHash, k.LogIndex)
}
