package model

import "time"

// OrderType distinguishes the three order products on the platform.
type OrderType int

const (
	TypePlan   OrderType = 1 // mutual-aid plan order
	TypeDriver OrderType = 2 // designated-driver order
	TypeSale   OrderType = 3 // third-party sale order
)

// State is the persisted lifecycle state code of an order.
type State int

const (
	StateNone            State = 0 // order does not exist yet
	StatePendingPayment  State = 1
	StatePaid            State = 2
	StateUnderwritten    State = 3
	StateActive          State = 4
	StateExpired         State = 5
	StateCancelled       State = 6
	StateWithdrawPending State = 7
	StateWithdrawAgreed  State = 8
	StateWithdrawn       State = 9
)

var stateLabels = map[State]string{
	StatePendingPayment:  "pending payment",
	StatePaid:            "paid",
	StateUnderwritten:    "underwritten",
	StateActive:          "active",
	StateExpired:         "expired",
	StateCancelled:       "cancelled",
	StateWithdrawPending: "withdraw under review",
	StateWithdrawAgreed:  "withdraw approved",
	StateWithdrawn:       "withdrawn",
}

// Label returns the display string for a state, empty for unknown codes.
func (s State) Label() string { return stateLabels[s] }

// Terminal reports whether no further client-driven transition can leave s.
func (s State) Terminal() bool {
	return s == StateExpired || s == StateCancelled || s == StateWithdrawn
}

// EventType enumerates the commands the lifecycle engine understands.
type EventType string

const (
	EventCreate         EventType = "create"
	EventCancel         EventType = "cancel"
	EventPay            EventType = "pay"
	EventUnderwrite     EventType = "underwrite"
	EventTakeEffect     EventType = "takeEffect"
	EventExpire         EventType = "expire"
	EventApplyWithdraw  EventType = "applyWithdraw"
	EventRefuseWithdraw EventType = "refuseWithdraw"
	EventAgreeWithdraw  EventType = "agreeWithdraw"
	EventRefund         EventType = "refund"
	EventRenameNumber   EventType = "renameNumber"
	EventAddDrivers     EventType = "addDrivers"
	EventRemoveDrivers  EventType = "removeDrivers"
	EventUpdateDocs     EventType = "updateDocuments"
	EventRefreshOne     EventType = "refreshOne"
	EventRefreshAll     EventType = "refreshAll"
)

// Order is the durable row. Monetary fields are minor units (cents) so
// equality checks are exact.
type Order struct {
	ID          string
	OrderNo     string
	Type        OrderType
	State       State
	StateLabel  string
	Summary     int64
	Payment     int64
	Promotion   int64
	UserID      string
	InsuredID   string
	QuotationID string
	VehicleID   string
	ExpectAt    time.Time
	StartAt     time.Time
	StopAt      time.Time
	PaidAt      time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Removed     bool
}

// OrderItem is a line item; created with the order and immutable except for
// driver add/remove events on driver orders.
type OrderItem struct {
	ID         string
	OrderID    string
	PlanItemID string
	Price      int64
}

// OrderEvent is one append-only log record. Payload carries the minimal data
// needed to replay the transition.
type OrderEvent struct {
	ID         string
	OrderID    string
	ActorID    string
	Type       EventType
	Payload    []byte
	OccurredAt time.Time
}

// Command is the inbound queue envelope driving the dispatcher.
type Command struct {
	Type     EventType    `json:"type"`
	OrderID  string       `json:"orderId,omitempty"`
	ActorID  string       `json:"actorId,omitempty"`
	Amount   int64        `json:"amount,omitempty"`
	OrderNo  string       `json:"orderNo,omitempty"`
	Drivers  []string     `json:"drivers,omitempty"`
	Document string       `json:"document,omitempty"`
	Create   *CreateOrder `json:"create,omitempty"`
}

// CreateOrder is the payload of a create command. RequestID is the client's
// idempotency key: the order id is derived from it, so a redelivered create
// lands on the same row.
type CreateOrder struct {
	RequestID   string       `json:"requestId"`
	Type        OrderType    `json:"orderType"`
	UserID      string       `json:"userId"`
	InsuredID   string       `json:"insuredId,omitempty"`
	QuotationID string       `json:"quotationId,omitempty"`
	VehicleID   string       `json:"vehicleId"`
	Summary     int64        `json:"summary"`
	Payment     int64        `json:"payment"`
	Promotion   int64        `json:"promotion,omitempty"`
	ExpectAt    int64        `json:"expectAt,omitempty"`
	StartAt     int64        `json:"startAt,omitempty"`
	StopAt      int64        `json:"stopAt,omitempty"`
	Items       []CreateItem `json:"items,omitempty"`
}

// CreateItem is one requested line item inside a create command.
type CreateItem struct {
	PlanItemID string `json:"planItemId"`
	Price      int64  `json:"price"`
}
