// Package protocol defines the wire protocol between the server and browser clients.
// Both the realtime layer and the query streamer build messages through this package
// so that an envelope's type is always derived from its payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel is a named topic used to filter delivery.
type Channel string

const (
	ChannelQueries       Channel = "queries"
	ChannelTables        Channel = "tables"
	ChannelNotifications Channel = "notifications"
	ChannelCollaboration Channel = "collaboration"

	// ChannelSystem addresses server-originated direct messages (ack, heartbeat, error).
	// It cannot be subscribed to.
	ChannelSystem Channel = "system"
)

// SubscribableChannels lists the channels clients may subscribe to.
func SubscribableChannels() []Channel {
	return []Channel{ChannelQueries, ChannelTables, ChannelNotifications, ChannelCollaboration}
}

// Valid reports whether c is a known channel, including system.
func (c Channel) Valid() bool {
	return c == ChannelSystem || c.Subscribable()
}

// Subscribable reports whether clients may subscribe to c.
func (c Channel) Subscribable() bool {
	switch c {
	case ChannelQueries, ChannelTables, ChannelNotifications, ChannelCollaboration:
		return true
	}
	return false
}

// ParseChannel validates a channel name supplied by a client or a config file.
func ParseChannel(name string) (Channel, error) {
	c := Channel(name)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return c, nil
}

// EventType identifies the kind of message on the WebSocket wire.
type EventType string

const (
	// Query lifecycle
	EventQueryStarted   EventType = "query.started"
	EventQueryProgress  EventType = "query.progress"
	EventQueryComplete  EventType = "query.complete"
	EventQueryError     EventType = "query.error"
	EventQueryCancelled EventType = "query.cancelled"

	// Table lifecycle
	EventTableCreated  EventType = "table.created"
	EventTableModified EventType = "table.modified"
	EventTableDropped  EventType = "table.dropped"

	// User presence
	EventUserJoined EventType = "user.joined"
	EventUserLeft   EventType = "user.left"
	EventUserCursor EventType = "user.cursor"

	// System
	EventConnectionAck EventType = "connection.ack"
	EventHeartbeat     EventType = "heartbeat"
	EventError         EventType = "error"
)

var (
	// ErrUnknownChannel is returned for channel names outside the fixed set.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrMalformedFrame is returned when an inbound control frame cannot be understood.
	ErrMalformedFrame = errors.New("malformed control frame")
)

// Payload is implemented by every event body. The set is closed: only types in
// this package satisfy it.
type Payload interface {
	EventType() EventType
	payload()
}

// Message wraps every event on the wire.
type Message struct {
	Type      EventType `json:"type"`
	Channel   Channel   `json:"channel"`
	Data      Payload   `json:"data"`
	Timestamp int64     `json:"timestamp"` // epoch millis
	ID        string    `json:"id"`
}

// NewMessage builds an envelope for payload addressed to channel.
func NewMessage(channel Channel, p Payload) (Message, error) {
	if !channel.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	if p == nil {
		return Message{}, errors.New("nil payload")
	}
	return Message{
		Type:      p.EventType(),
		Channel:   channel,
		Data:      p,
		Timestamp: time.Now().UnixMilli(),
		ID:        uuid.NewString(),
	}, nil
}

// Marshal encodes the message once for fan-out.
func (m Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", m.Type, err)
	}
	return data, nil
}

// QueryStartedPayload announces a query execution.
type QueryStartedPayload struct {
	QueryID   string `json:"queryId"`
	SQL       string `json:"sql"`
	ChunkSize int    `json:"chunkSize"`
	// StartedAt is epoch milliseconds, like Message.Timestamp.
	StartedAt int64 `json:"startedAt"`
}

// QueryProgressPayload carries one chunk of a streamed result set.
type QueryProgressPayload struct {
	QueryID       string   `json:"queryId"`
	ChunkIndex    int      `json:"chunkIndex"`
	RowsProcessed int64    `json:"rowsProcessed"`
	TotalRows     *int64   `json:"totalRows,omitempty"`
	Percentage    *float64 `json:"percentage,omitempty"`
	Columns       []string `json:"columns"`
	Rows          [][]any  `json:"rows"`
}

// QueryCompletePayload reports a successful execution.
type QueryCompletePayload struct {
	QueryID       string `json:"queryId"`
	RowCount      int64  `json:"rowCount"`
	DurationMs    int64  `json:"durationMs"`
	StatementKind string `json:"statementKind"`
}

// QueryErrorPayload reports a failed execution.
type QueryErrorPayload struct {
	QueryID    string `json:"queryId"`
	Error      string `json:"error"`
	DurationMs int64  `json:"durationMs"`
}

// QueryCancelledPayload reports an execution stopped at a chunk boundary.
type QueryCancelledPayload struct {
	QueryID       string `json:"queryId"`
	RowsProcessed int64  `json:"rowsProcessed"`
	DurationMs    int64  `json:"durationMs"`
}

// TablePayload describes a schema or data change on one table.
type TablePayload struct {
	Table   string `json:"table"`
	QueryID string `json:"queryId,omitempty"`
	Changes int64  `json:"changes,omitempty"`
}

// TableCreatedPayload is published after CREATE TABLE.
type TableCreatedPayload struct{ TablePayload }

// TableModifiedPayload is published after ALTER TABLE and row mutations.
type TableModifiedPayload struct{ TablePayload }

// TableDroppedPayload is published after DROP TABLE.
type TableDroppedPayload struct{ TablePayload }

// UserPayload identifies a connected user.
type UserPayload struct {
	ClientID string `json:"clientId"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
}

// UserJoinedPayload is published when an identified client connects.
type UserJoinedPayload struct{ UserPayload }

// UserLeftPayload is published when an identified client goes away.
type UserLeftPayload struct{ UserPayload }

// UserCursorPayload shares a user's position in a table grid.
type UserCursorPayload struct {
	UserPayload
	Table  string `json:"table,omitempty"`
	Row    *int   `json:"row,omitempty"`
	Column string `json:"column,omitempty"`
}

// ConnectionAckPayload is sent to a client right after it is registered.
type ConnectionAckPayload struct {
	ClientID            string    `json:"clientId"`
	ServerVersion       string    `json:"serverVersion"`
	Channels            []Channel `json:"channels"`
	Subscriptions       []Channel `json:"subscriptions"`
	HeartbeatIntervalMs int64     `json:"heartbeatIntervalMs"`
	ChunkSize           int       `json:"chunkSize"`
}

// HeartbeatPayload is the periodic liveness ping.
type HeartbeatPayload struct {
	ServerTime int64 `json:"serverTime"`
}

// ErrorPayload is returned to a client whose frame could not be handled.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (QueryStartedPayload) EventType() EventType   { return EventQueryStarted }
func (QueryProgressPayload) EventType() EventType  { return EventQueryProgress }
func (QueryCompletePayload) EventType() EventType  { return EventQueryComplete }
func (QueryErrorPayload) EventType() EventType     { return EventQueryError }
func (QueryCancelledPayload) EventType() EventType { return EventQueryCancelled }
func (TableCreatedPayload) EventType() EventType   { return EventTableCreated }
func (TableModifiedPayload) EventType() EventType  { return EventTableModified }
func (TableDroppedPayload) EventType() EventType   { return EventTableDropped }
func (UserJoinedPayload) EventType() EventType     { return EventUserJoined }
func (UserLeftPayload) EventType() EventType       { return EventUserLeft }
func (UserCursorPayload) EventType() EventType     { return EventUserCursor }
func (ConnectionAckPayload) EventType() EventType  { return EventConnectionAck }
func (HeartbeatPayload) EventType() EventType      { return EventHeartbeat }
func (ErrorPayload) EventType() EventType          { return EventError }

func (QueryStartedPayload) payload()   {}
func (QueryProgressPayload) payload()  {}
func (QueryCompletePayload) payload()  {}
func (QueryErrorPayload) payload()     {}
func (QueryCancelledPayload) payload() {}
func (TableCreatedPayload) payload()   {}
func (TableModifiedPayload) payload()  {}
func (TableDroppedPayload) payload()   {}
func (UserJoinedPayload) payload()     {}
func (UserLeftPayload) payload()       {}
func (UserCursorPayload) payload()     {}
func (ConnectionAckPayload) payload()  {}
func (HeartbeatPayload) payload()      {}
func (ErrorPayload) payload()          {}
