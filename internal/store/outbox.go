package store

import "time"

// OutboxEntry is a durably queued outbound message awaiting transmission.
// message_id is the client-generated id that reconciles the optimistic
// in-memory message with later server echoes.
type OutboxEntry struct {
	ID             int64
	MessageID      string
	ConversationID string
	Body           string
	SendTimestamp  int64
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerMsgID    string
}

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(messageID, conversationID, body string, sendTimestamp int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (message_id, conversation_id, body, send_timestamp, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		messageID, conversationID, body, sendTimestamp, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(messageID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE message_id = ?`, now, messageID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent'. serverMsgID, when the
// ack carries one, is stored as metadata only; the client id stays the
// reconciliation key.
func (db *DB) MarkOutboxSent(messageID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE message_id = ?`, serverMsgID, now, messageID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(messageID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE message_id = ?`, errMsg, now, messageID)
	return err
}

// RequeueEntry puts a single entry back to 'queued', e.g. when the
// connection dropped between the pending read and the transmit.
func (db *DB) RequeueEntry(messageID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE message_id = ?`, now, messageID)
	return err
}

// RequeueSending resets entries stuck in 'sending' back to 'queued'. Called
// on startup so a crash mid-send does not strand messages.
func (db *DB) RequeueSending() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, message_id, conversation_id, body, send_timestamp, status, error_message, server_msg_id
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.MessageID, &e.ConversationID, &e.Body, &e.SendTimestamp, &e.Status, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
