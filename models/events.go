package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is a unit of work for the session dispatcher. All implementations
// are processed strictly in arrival order by a single consumer.
type Event interface {
	EventKind() string
}

// FillEvent is an order execution notification from the realtime stream.
type FillEvent struct {
	OrderID        int64
	Side           Side
	Price          decimal.Decimal
	FilledQuantity decimal.Decimal
	TotalQuantity  decimal.Decimal
	FillID         string
	Final          bool
	Timestamp      time.Time
}

func (FillEvent) EventKind() string { return "order_filled" }

// CancelEvent is an order cancellation notification from the stream.
type CancelEvent struct {
	OrderID   int64
	Reason    string
	Timestamp time.Time
}

func (CancelEvent) EventKind() string { return "order_cancelled" }

// ReconcileTick asks the session to compare exchange state against the
// ledger. Emitted on a timer so it interleaves with notifications at the
// point it was enqueued, never ahead of them.
type ReconcileTick struct {
	At time.Time
}

func (ReconcileTick) EventKind() string { return "reconcile_tick" }

// StopEvent terminates the dispatcher loop for a session.
type StopEvent struct {
	Reason StopReason
}

func (StopEvent) EventKind() string { return "stop" }

// ConnStatus is the connection layer state.
type ConnStatus string

const (
	ConnDisconnected ConnStatus = "DISCONNECTED"
	ConnConnecting   ConnStatus = "CONNECTING"
	ConnConnected    ConnStatus = "CONNECTED"
	ConnCircuitOpen  ConnStatus = "CIRCUIT_OPEN"
)

// ConnectionState is a snapshot of the stream's health, read by the
// orchestrator for status reporting only.
type ConnectionState struct {
	Status              ConnStatus `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	RetryCount          int        `json:"retry_count"`
	LastAttemptAt       time.Time  `json:"last_attempt_at"`
}

// SessionState is the orchestrator's lifecycle state.
type SessionState string

const (
	SessionInitializing SessionState = "INITIALIZING"
	SessionRunning      SessionState = "RUNNING"
	SessionStopping     SessionState = "STOPPING"
	SessionStopped      SessionState = "STOPPED"
	SessionError        SessionState = "ERROR"
)

// StopReason records why a session reached a terminal state.
type StopReason string

const (
	StopManual   StopReason = "MANUAL"
	StopBotPrice StopReason = "STOP_BOT_PRICE"
	StopTopPrice StopReason = "STOP_TOP_PRICE"
	StopError    StopReason = "ERROR"
)

// SessionSummary is the record persisted when a session terminates.
type SessionSummary struct {
	SessionID        string          `json:"session_id"`
	Symbol           string          `json:"symbol"`
	TotalOrders      int             `json:"total_orders"`
	SuccessfulOrders int             `json:"successful_orders"`
	TotalProfit      decimal.Decimal `json:"total_profit"`
	StopReason       StopReason      `json:"stop_reason"`
	StartedAt        time.Time       `json:"started_at"`
	StoppedAt        time.Time       `json:"stopped_at"`
}

// SessionStatus is returned by the manager's status operation. It reflects
// the latest known state even while the connection is degraded.
type SessionStatus struct {
	SessionID  string          `json:"session_id"`
	State      SessionState    `json:"state"`
	Connection ConnectionState `json:"connection"`
	Orders     []OrderRecord   `json:"orders"`
	QueueDepth int             `json:"queue_depth"`
}
