package mempool

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// NotificationType represents the type of a notification message.
type NotificationType int

// NotificationCallback is used for a caller to provide a callback for
// notifications about various mempool events.
type NotificationCallback func(*Notification)

// Constants for the type of a notification message.
const (
	// NTTxAccepted indicates a transaction entered the pool.
	NTTxAccepted NotificationType = iota

	// NTTxRemoved indicates a transaction left the pool.
	NTTxRemoved

	// NTDoubleSpend indicates a submitted transaction spends an input
	// already spent by a pool transaction.
	NTDoubleSpend
)

// notificationTypeStrings is a map of notification types back to their constant
// names for pretty printing.
var notificationTypeStrings = map[NotificationType]string{
	NTTxAccepted:  "NTTxAccepted",
	NTTxRemoved:   "NTTxRemoved",
	NTDoubleSpend: "NTDoubleSpend",
}

// String returns the NotificationType in human-readable form.
func (n NotificationType) String() string {
	if s, ok := notificationTypeStrings[n]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Notification Type (%d)", int(n))
}

// RemovalReason is why a transaction left the pool.
type RemovalReason int

// These constants define the removal reasons.
const (
	ReasonIncludedInBlock RemovalReason = iota
	ReasonReorg
	ReasonCollisionInBlockTx
	ReasonAncestorLimit
	ReasonLowFeeEvicted
	ReasonExpired
	ReasonReplaced
)

var removalReasonStrings = map[RemovalReason]string{
	ReasonIncludedInBlock:    "included-in-block",
	ReasonReorg:              "reorg",
	ReasonCollisionInBlockTx: "collision-in-block-tx",
	ReasonAncestorLimit:      "ancestor-limit",
	ReasonLowFeeEvicted:      "low-fee-evicted",
	ReasonExpired:            "expired",
	ReasonReplaced:           "replaced",
}

// String returns the reason as reported to subscribers.
func (r RemovalReason) String() string {
	if s, ok := removalReasonStrings[r]; ok {
		return s
	}
	return fmt.Sprintf("unknown-reason-%d", int(r))
}

// CollidedWith identifies the mined transaction that double spent a removed
// pool transaction.
type CollidedWith struct {
	TxID chainhash.Hash
	Size int64
}

// RemovalEvent describes the removal of a single transaction.  CollidedWith
// is set for collision removals; BlockHash is set when a block caused the
// removal.
type RemovalEvent struct {
	TxID         chainhash.Hash
	Reason       RemovalReason
	CollidedWith *CollidedWith
	BlockHash    *chainhash.Hash
}

// String renders the event the way it is logged.
func (e *RemovalEvent) String() string {
	s := fmt.Sprintf("%v reason=%v", e.TxID, e.Reason)
	if e.CollidedWith != nil {
		s += fmt.Sprintf(" collidedWith=%v (%d bytes)", e.CollidedWith.TxID,
			e.CollidedWith.Size)
	}
	if e.BlockHash != nil {
		s += fmt.Sprintf(" block=%v", e.BlockHash)
	}
	return s
}

// DoubleSpendEvent reports a submitted transaction spending an input already
// spent by a pool transaction.
type DoubleSpendEvent struct {
	Tx          *btcutil.Tx
	Conflicting []chainhash.Hash
	Replaced    bool
}

// Notification defines notification that is sent to the caller via the
// callback function provided during the call to Subscribe and consists of a
// notification type as well as associated data that depends on the type as
// follows:
//   - NTTxAccepted:  *TxDesc
//   - NTTxRemoved:   *RemovalEvent
//   - NTDoubleSpend: *DoubleSpendEvent
type Notification struct {
	Type NotificationType
	Data interface{}
}

// Subscribe registers a callback for pool events.  Callbacks run
// synchronously with the pool lock held and must not call back into the
// pool.
func (mp *TxPool) Subscribe(callback NotificationCallback) {
	mp.notificationsLock.Lock()
	mp.notifications = append(mp.notifications, callback)
	mp.notificationsLock.Unlock()
}

func (mp *TxPool) sendNotification(typ NotificationType, data interface{}) {
	n := Notification{Type: typ, Data: data}
	mp.notificationsLock.RLock()
	for _, callback := range mp.notifications {
		callback(&n)
	}
	mp.notificationsLock.RUnlock()
}
