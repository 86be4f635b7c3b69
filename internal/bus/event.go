package bus

import "time"

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "message." receives every message lifecycle event.
const (
	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	KindPushConnected    = "push.connected"
	KindPushDisconnected = "push.disconnected"
	KindPushReceipt      = "push.receipt"
	KindPushAck          = "push.ack"
	KindPushMessage      = "push.message"

	KindTypingChanged   = "typing.changed"
	KindPresenceChanged = "presence.changed"

	KindEngineStateChanged = "engine.state_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
