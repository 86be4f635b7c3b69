package store

import (
	"database/sql"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + msg_id). Both transports can confirm the same message
// during a fallback race; the second write lands on the same row.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, client_msg_id, sender_id, sender_name, body, reply_to_id, from_me, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			client_msg_id = CASE WHEN excluded.client_msg_id != '' THEN excluded.client_msg_id ELSE messages.client_msg_id END,
			sender_name = excluded.sender_name,
			body = excluded.body,
			status = excluded.status`,
		m.ConversationID, m.MsgID, m.ClientMsgID, m.SenderID, m.SenderName, m.Body, m.ReplyToID, m.FromMe, m.Status, m.Timestamp, now)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, client_msg_id, sender_id, sender_name, body, reply_to_id, from_me, status, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RowID, &m.ConversationID, &m.MsgID, &m.ClientMsgID, &m.SenderID, &m.SenderName, &m.Body, &m.ReplyToID, &m.FromMe, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessageByClientID returns the persisted message for a client message
// ID, or nil if the send was never confirmed.
func (db *DB) GetMessageByClientID(clientMsgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, msg_id, client_msg_id, sender_id, sender_name, body, reply_to_id, from_me, status, timestamp
		FROM messages
		WHERE client_msg_id = ?`, clientMsgID).
		Scan(&m.RowID, &m.ConversationID, &m.MsgID, &m.ClientMsgID, &m.SenderID, &m.SenderName, &m.Body, &m.ReplyToID, &m.FromMe, &m.Status, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CountMessages returns the number of persisted messages in a conversation.
func (db *DB) CountMessages(conversationID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}
