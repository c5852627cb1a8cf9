package peers

import (
	"context"
	"encoding/json"

	"mao/internal/model"
)

// Vehicle is the peer copy embedded into materialized views.
type Vehicle struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	PlateNo string `json:"plateNo"`
	Brand   string `json:"brand,omitempty"`
	Model   string `json:"model,omitempty"`
}

// Quotation is the priced quote an order was created from.
type Quotation struct {
	ID        string `json:"id"`
	VehicleID string `json:"vehicleId"`
	Amount    int64  `json:"amount"`
}

// PlanItem is one coverage item of a plan; SortKey is the stable ordering
// key line items are sorted by.
type PlanItem struct {
	ID      string `json:"id"`
	PlanID  string `json:"planId"`
	Name    string `json:"name"`
	Price   int64  `json:"price"`
	SortKey int    `json:"sortKey"`
}

// Plan groups plan items.
type Plan struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Items []PlanItem `json:"items,omitempty"`
}

// Person is an owner, insured or designated driver.
type Person struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// Directory wraps a Caller with the typed calls the engine needs.
type Directory struct {
	Call Caller
}

func fetch[T any](ctx context.Context, call Caller, domain, service string, payload any) (*T, error) {
	raw, err := call(ctx, domain, service, payload)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, unavailable(domain, service, 0, "bad data: "+err.Error())
	}
	return &v, nil
}

func (d Directory) Vehicle(ctx context.Context, id string) (*Vehicle, error) {
	return fetch[Vehicle](ctx, d.Call, "vehicle", "getVehicleById", map[string]string{"id": id})
}

func (d Directory) Quotation(ctx context.Context, id string) (*Quotation, error) {
	return fetch[Quotation](ctx, d.Call, "quotation", "getQuotationById", map[string]string{"id": id})
}

// PlanItem resolves a single plan item by id.
func (d Directory) PlanItem(ctx context.Context, id string) (*PlanItem, error) {
	return fetch[PlanItem](ctx, d.Call, "plan", "getPlanItemById", map[string]string{"id": id})
}

func (d Directory) Person(ctx context.Context, id string) (*Person, error) {
	return fetch[Person](ctx, d.Call, "person", "getPersonById", map[string]string{"id": id})
}

// VehicleOwner returns the owning user id for a vehicle.
func (d Directory) VehicleOwner(ctx context.Context, vehicleID string) (string, error) {
	type owner struct {
		UserID string `json:"userId"`
	}
	o, err := fetch[owner](ctx, d.Call, "vehicle", "getOwnerByVehicleId", map[string]string{"vehicleId": vehicleID})
	if err != nil {
		return "", err
	}
	return o.UserID, nil
}

// ChargeWallet debits the user's wallet for a paid order.
func (d Directory) ChargeWallet(ctx context.Context, userID, orderID string, amount int64) error {
	_, err := d.Call(ctx, "wallet", "charge", map[string]any{
		"userId":  userID,
		"orderId": orderID,
		"amount":  amount,
	})
	return err
}

// IncrJoinCount tells the plan service one more vehicle is covered.
func (d Directory) IncrJoinCount(ctx context.Context, quotationID string) error {
	_, err := d.Call(ctx, "plan", "incrJoinCount", map[string]string{"quotationId": quotationID})
	return err
}

func unavailable(domain, service string, code int, msg string) *model.PeerUnavailable {
	return &model.PeerUnavailable{Domain: domain, Service: service, Code: code, Msg: msg}
}
