package store

// Conversation represents a conversation row.
type Conversation struct {
	ID                 string
	Name               string
	RecipientID        string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message represents a persisted authoritative message. Optimistic records
// live only in the in-memory cache; a row appears here once the server has
// confirmed the message.
type Message struct {
	RowID          int64
	ConversationID string
	MsgID          string
	ClientMsgID    string
	SenderID       string
	SenderName     string
	Body           string
	ReplyToID      string
	FromMe         bool
	Status         string
	Timestamp      int64
}
