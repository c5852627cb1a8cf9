// Package view builds and stores the denormalized, peer-enriched projection
// of orders. Views live in the cache only; the durable rows stay
// authoritative and any view can be rebuilt from them.
package view

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"mao/internal/model"
	"mao/internal/peers"
)

// Item is a line item enriched with its resolved plan item.
type Item struct {
	ID         string          `cbor:"1,keyasint"`
	PlanItemID string          `cbor:"2,keyasint"`
	Price      int64           `cbor:"3,keyasint"`
	PlanItem   *peers.PlanItem `cbor:"4,keyasint,omitempty"`
}

// View is the cache-resident wire form of one order. Timestamps are unix
// seconds; missing peer entities stay nil.
type View struct {
	ID          string           `cbor:"1,keyasint"`
	OrderNo     string           `cbor:"2,keyasint"`
	Type        model.OrderType  `cbor:"3,keyasint"`
	State       model.State      `cbor:"4,keyasint"`
	StateLabel  string           `cbor:"5,keyasint"`
	Summary     int64            `cbor:"6,keyasint"`
	Payment     int64            `cbor:"7,keyasint"`
	Promotion   int64            `cbor:"8,keyasint"`
	UserID      string           `cbor:"9,keyasint"`
	InsuredID   string           `cbor:"10,keyasint,omitempty"`
	QuotationID string           `cbor:"11,keyasint,omitempty"`
	VehicleID   string           `cbor:"12,keyasint,omitempty"`
	ExpectAt    int64            `cbor:"13,keyasint,omitempty"`
	StartAt     int64            `cbor:"14,keyasint,omitempty"`
	StopAt      int64            `cbor:"15,keyasint,omitempty"`
	PaidAt      int64            `cbor:"16,keyasint,omitempty"`
	CreatedAt   int64            `cbor:"17,keyasint"`
	UpdatedAt   int64            `cbor:"18,keyasint"`
	Vehicle     *peers.Vehicle   `cbor:"19,keyasint,omitempty"`
	Quotation   *peers.Quotation `cbor:"20,keyasint,omitempty"`
	Owner       *peers.Person    `cbor:"21,keyasint,omitempty"`
	Insured     *peers.Person    `cbor:"22,keyasint,omitempty"`
	Items       []Item           `cbor:"23,keyasint,omitempty"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes a view to its binary wire form.
func Encode(v *View) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode view %s: %w", v.ID, err)
	}
	return b, nil
}

// Decode parses the binary wire form.
func Decode(b []byte) (*View, error) {
	var v View
	if err := cbor.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode view: %w", err)
	}
	return &v, nil
}
