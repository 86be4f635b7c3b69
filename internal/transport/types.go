// Package transport defines the wire types shared by the push channel and
// the HTTP fallback. Both transports carry the client message ID so the
// server can deduplicate a message that arrives twice during a fallback race.
package transport

// AckStatus is the application-level delivery acknowledgment status.
type AckStatus string

const (
	AckDelivered AckStatus = "DELIVERED"
	AckDuplicate AckStatus = "DUPLICATE"
	AckError     AckStatus = "ERROR"
	AckBlocked   AckStatus = "BLOCKED"
)

// Delivered reports whether the status resolves the send successfully.
// Duplicate counts as success: the server already has the message.
func (s AckStatus) Delivered() bool {
	return s == AckDelivered || s == AckDuplicate
}

// FrameKind tags frames on the push channel.
type FrameKind string

const (
	FrameMessageSend FrameKind = "message.send"
	FrameMessage     FrameKind = "message"
	FrameReceipt     FrameKind = "receipt"
	FrameAck         FrameKind = "ack"
)

// Frame is the envelope for every push-channel frame. Exactly one payload
// field is set, selected by Kind.
type Frame struct {
	Kind    FrameKind    `json:"kind"`
	Send    *MessageSend `json:"send,omitempty"`
	Message *Message     `json:"message,omitempty"`
	Receipt *Receipt     `json:"receipt,omitempty"`
	Ack     *Ack         `json:"ack,omitempty"`
}

// MessageSend is the outbound send payload.
type MessageSend struct {
	ClientMessageID string `json:"client_message_id"`
	ConversationID  string `json:"conversation_id"`
	RecipientID     string `json:"recipient_id,omitempty"`
	Content         string `json:"content"`
	ReplyToID       string `json:"reply_to_id,omitempty"`
}

// Message is an authoritative message record as the server stores it.
type Message struct {
	ID              string `json:"id"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	ConversationID  string `json:"conversation_id"`
	SenderID        string `json:"sender_id"`
	SenderName      string `json:"sender_name,omitempty"`
	Content         string `json:"content"`
	ReplyToID       string `json:"reply_to_id,omitempty"`
	Timestamp       int64  `json:"timestamp"`
	FromMe          bool   `json:"from_me"`
}

// Receipt is the transport-level "server received and is processing"
// signal. It fires at most once per client message ID.
type Receipt struct {
	ClientMessageID string `json:"client_message_id"`
}

// Ack is the application-level delivery acknowledgment.
type Ack struct {
	ClientMessageID string    `json:"client_message_id"`
	Status          AckStatus `json:"status"`
	ConversationID  string    `json:"conversation_id,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	// Message carries the authoritative record when the server includes
	// it in the ack; nil acks are reconciled via the incoming-message path.
	Message *Message `json:"message,omitempty"`
}
