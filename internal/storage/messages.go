package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Message is one persisted logical transmission with its reconciled gateway
// count. MessageID is the mesh packet id rendered as a string.
type Message struct {
	ID           int64
	MessageID    string
	SenderID     int64
	SenderName   string
	Timestamp    time.Time
	GatewayCount int
	RSSI         *int64
	SNR          *float64
	Payload      *string
	CreatedAt    time.Time
}

// CreateMessageParams carries the fields for a new message record.
type CreateMessageParams struct {
	MessageID    string
	SenderID     int64
	SenderName   string
	Timestamp    time.Time
	GatewayCount int
	RSSI         *int64
	SNR          *float64
	Payload      *string
}

const messageColumns = "id, message_id, sender_id, sender_name, timestamp, gateway_count, rssi, snr, payload, created_at"

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var m Message
	var ts, createdAt string
	err := scan(&m.ID, &m.MessageID, &m.SenderID, &m.SenderName, &ts, &m.GatewayCount, &m.RSSI, &m.SNR, &m.Payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Timestamp = parseTime(ts)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

// CreateMessage inserts one message record.
func (s *Store) CreateMessage(ctx context.Context, p CreateMessageParams) (*Message, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, sender_id, sender_name, timestamp, gateway_count, rssi, snr, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.MessageID, p.SenderID, p.SenderName, formatTime(p.Timestamp), p.GatewayCount, p.RSSI, p.SNR, p.Payload, now, now)
	if err != nil {
		return nil, fmt.Errorf("create message %s: %w", p.MessageID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:           id,
		MessageID:    p.MessageID,
		SenderID:     p.SenderID,
		SenderName:   p.SenderName,
		Timestamp:    p.Timestamp.UTC().Truncate(time.Second),
		GatewayCount: p.GatewayCount,
		RSSI:         p.RSSI,
		SNR:          p.SNR,
		Payload:      p.Payload,
		CreatedAt:    parseTime(now),
	}, nil
}

// AddGateway records that a gateway relayed the message and recomputes the
// persisted gateway count. Adding a gateway that is already recorded is a
// no-op, not an error. The count on m is refreshed in place.
func (s *Store) AddGateway(ctx context.Context, m *Message, gatewayID string) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO message_gateways (message_id, gateway_id, created_at) VALUES (?, ?, ?)",
		m.ID, gatewayID, formatTime(time.Now())); err != nil {
		return fmt.Errorf("add gateway %s to message %s: %w", gatewayID, m.MessageID, err)
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM message_gateways WHERE message_id = ?", m.ID)
	var count int
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("count gateways for message %s: %w", m.MessageID, err)
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE messages SET gateway_count = ?, updated_at = ? WHERE id = ?",
		count, formatTime(time.Now()), m.ID); err != nil {
		return fmt.Errorf("update gateway count for message %s: %w", m.MessageID, err)
	}
	m.GatewayCount = count
	return nil
}

// GetMessageByPacketID looks a message up by its mesh packet id. Returns
// (nil, nil) when no record exists.
func (s *Store) GetMessageByPacketID(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE message_id = ?", messageID)
	m, err := scanMessage(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", messageID, err)
	}
	return m, nil
}

// LastMessageForUser returns the most recent message sent by a user (by
// database row id), or (nil, nil).
func (s *Store) LastMessageForUser(ctx context.Context, senderID int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE sender_id = ? ORDER BY timestamp DESC LIMIT 1", senderID)
	m, err := scanMessage(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("last message for sender %d: %w", senderID, err)
	}
	return m, nil
}

// LastNMessagesForUser returns up to n most recent messages for a user,
// newest first.
func (s *Store) LastNMessagesForUser(ctx context.Context, senderID int64, n int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE sender_id = ? ORDER BY timestamp DESC LIMIT ?", senderID, n)
	if err != nil {
		return nil, fmt.Errorf("last %d messages for sender %d: %w", n, senderID, err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DailyAggregate summarizes one day of traffic.
type DailyAggregate struct {
	Date            string
	MessageCount    int
	AverageGateways float64
	MinGateways     int
	MaxGateways     int
}

// TodayAggregate computes the daily summary for messages timestamped on or
// after the start of the current UTC day.
func (s *Store) TodayAggregate(ctx context.Context) (*DailyAggregate, error) {
	start := startOfDayUTC(time.Now())
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(gateway_count), 0), COALESCE(MIN(gateway_count), 0), COALESCE(MAX(gateway_count), 0)
		 FROM messages WHERE timestamp >= ?`, formatTime(start))
	agg := &DailyAggregate{Date: start.Format("2006-01-02")}
	if err := row.Scan(&agg.MessageCount, &agg.AverageGateways, &agg.MinGateways, &agg.MaxGateways); err != nil {
		return nil, fmt.Errorf("today aggregate: %w", err)
	}
	return agg, nil
}

// HourlyRow is one hour of the current day's breakdown.
type HourlyRow struct {
	Hour            int
	MessageCount    int
	AverageGateways float64
}

// HourlyBreakdownToday groups today's messages by UTC hour. Hours without
// traffic are absent from the result.
func (s *Store) HourlyBreakdownToday(ctx context.Context) ([]HourlyRow, error) {
	start := startOfDayUTC(time.Now())
	rows, err := s.db.QueryContext(ctx,
		`SELECT CAST(strftime('%H', timestamp) AS INTEGER) AS hour, COUNT(*), AVG(gateway_count)
		 FROM messages WHERE timestamp >= ?
		 GROUP BY hour ORDER BY hour`, formatTime(start))
	if err != nil {
		return nil, fmt.Errorf("hourly breakdown: %w", err)
	}
	defer rows.Close()

	var out []HourlyRow
	for rows.Next() {
		var r HourlyRow
		if err := rows.Scan(&r.Hour, &r.MessageCount, &r.AverageGateways); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
