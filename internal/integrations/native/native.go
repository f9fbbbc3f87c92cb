// Package native adapts the in-house ordering backend. It already speaks the
// canonical status names; updates go through a single numeric status code.
package native

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"orderhub/internal/integrations"
	"orderhub/internal/model"
)

// Status codes accepted by PATCH /orders/{id}.
const (
	CodePending         = 1
	CodeInProgress      = 2
	CodeCompleted       = 3
	CodePickedUp        = 4
	CodeDelivered       = 5
	CodeRejected        = 6
	CodeConfirmPreorder = 7
)

var statusCodes = map[model.Status]int{
	model.StatusPending:                 CodePending,
	model.StatusInProgress:              CodeInProgress,
	model.StatusCompleted:               CodeCompleted,
	model.StatusPickupCompletedByDriver: CodePickedUp,
	model.StatusDelivered:               CodeDelivered,
	model.StatusRejected:                CodeRejected,
}

type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64
}

type Adapter struct {
	client *integrations.HTTPClient
}

func New(cfg Config) *Adapter {
	return &Adapter{client: integrations.NewHTTPClient(model.ChannelNative, integrations.ClientConfig{
		BaseURL:       cfg.BaseURL,
		Timeout:       cfg.Timeout,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         5,
	}, integrations.HeaderAuth("X-API-Key", cfg.APIKey))}
}

func (a *Adapter) Channel() model.Channel { return model.ChannelNative }

type wireOption struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
}

type wireProduct struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Quantity  int          `json:"quantity"`
	UnitPrice string       `json:"unitPrice"`
	Comment   string       `json:"comment"`
	Options   []wireOption `json:"options"`
}

type wirePreorder struct {
	Status string    `json:"status"`
	Time   time.Time `json:"preorderTime"`
}

type wireOrder struct {
	ID            string        `json:"id"`
	BusinessID    string        `json:"businessId"`
	Status        string        `json:"status"`
	DeliveryType  string        `json:"deliveryType"`
	CreatedAt     time.Time     `json:"createdAt"`
	Preorder      *wirePreorder `json:"preorder"`
	Products      []wireProduct `json:"products"`
	Customer      struct {
		Name  string `json:"name"`
		Phone string `json:"phone"`
	} `json:"customer"`
	PaymentMethod string        `json:"paymentMethod"`
	Total         string        `json:"total"`
	DeliveryETA   *time.Time    `json:"deliveryEta"`
	PickupETA     *time.Time    `json:"pickupEta"`
	Offers        []model.Offer `json:"offers"`
	RejectReason  string        `json:"rejectReason"`
}

type webhookEnvelope struct {
	Event string     `json:"event"`
	Order *wireOrder `json:"order"`
}

func (w wireOrder) canonical() (model.Order, error) {
	if w.ID == "" {
		return model.Order{}, fmt.Errorf("native: order id missing")
	}
	st := model.Status(strings.ToUpper(w.Status))
	if _, ok := statusCodes[st]; !ok {
		return model.Order{}, fmt.Errorf("native: unknown status %q", w.Status)
	}
	o := model.Order{
		ExternalID:         w.ID,
		Channel:            model.ChannelNative,
		BusinessExternalID: w.BusinessID,
		Status:             st,
		DeliveryType:       model.DeliveryPickup,
		CreatedAt:          w.CreatedAt.UTC(),
		Customer:           model.Customer{Name: w.Customer.Name, Phone: w.Customer.Phone},
		DeliveryETA:        w.DeliveryETA,
		PickupETA:          w.PickupETA,
		Offers:             w.Offers,
		RejectReason:       w.RejectReason,
	}
	if strings.EqualFold(w.DeliveryType, string(model.DeliveryDelivery)) {
		o.DeliveryType = model.DeliveryDelivery
	}
	switch strings.ToUpper(w.PaymentMethod) {
	case "CASH":
		o.PaymentMethod = model.PaymentCash
	case "CARD":
		o.PaymentMethod = model.PaymentCard
	}
	if w.Preorder != nil && w.Preorder.Status != "" {
		o.Preorder = &model.Preorder{Status: model.PreorderStatus(strings.ToUpper(w.Preorder.Status)), Time: w.Preorder.Time.UTC()}
	}
	total, err := model.NormalizeAmount(w.Total)
	if err != nil {
		return model.Order{}, fmt.Errorf("native: %w", err)
	}
	o.Summary.Total = total
	for _, p := range w.Products {
		price, err := model.NormalizeAmount(p.UnitPrice)
		if err != nil {
			return model.Order{}, fmt.Errorf("native: product %s: %w", p.ID, err)
		}
		cp := model.Product{ID: p.ID, Name: p.Name, Quantity: p.Quantity, UnitPrice: price, Comment: p.Comment}
		for _, op := range p.Options {
			cp.Options = append(cp.Options, model.Option{ID: op.ID, Name: op.Name, Quantity: op.Quantity, UnitPrice: op.UnitPrice})
		}
		o.Products = append(o.Products, cp)
	}
	if err := integrations.FillSummary(&o); err != nil {
		return model.Order{}, fmt.Errorf("native: %w", err)
	}
	return o, o.Validate()
}

func (a *Adapter) GetOrder(ctx context.Context, ref string) (model.Order, error) {
	var w wireOrder
	if err := a.client.Do(ctx, "get_order", http.MethodGet, "/orders/"+url.PathEscape(ref), nil, &w); err != nil {
		return model.Order{}, err
	}
	return w.canonical()
}

func (a *Adapter) ListOrdersByStatus(ctx context.Context, statuses []model.Status, businessExternalIDs []string) ([]model.Order, error) {
	q := url.Values{}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	q.Set("status", strings.Join(names, ","))
	if len(businessExternalIDs) > 0 {
		q.Set("businessId", strings.Join(businessExternalIDs, ","))
	}
	var resp struct {
		Orders []wireOrder `json:"orders"`
	}
	if err := a.client.Do(ctx, "list_orders", http.MethodGet, "/orders?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]model.Order, 0, len(resp.Orders))
	for _, w := range resp.Orders {
		o, err := w.canonical()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

type patchRequest struct {
	StatusCode        int    `json:"statusCode"`
	PreparedInMinutes int    `json:"preparedInMinutes,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

func (a *Adapter) patch(ctx context.Context, op, ref string, body patchRequest) (model.Order, error) {
	var w wireOrder
	if err := a.client.Do(ctx, op, http.MethodPatch, "/orders/"+url.PathEscape(ref), body, &w); err != nil {
		return model.Order{}, err
	}
	return w.canonical()
}

func (a *Adapter) UpdateOrder(ctx context.Context, ref string, upd integrations.Update) (model.Order, error) {
	code, ok := statusCodes[upd.Status]
	if !ok {
		return model.Order{}, fmt.Errorf("native: no status code for %s: %w", upd.Status, integrations.ErrUnsupported)
	}
	return a.patch(ctx, "update_order", ref, patchRequest{StatusCode: code, PreparedInMinutes: upd.PreparedInMinutes, Reason: upd.Reason})
}

func (a *Adapter) RejectOrder(ctx context.Context, ref, reason string) (model.Order, error) {
	return a.patch(ctx, "reject_order", ref, patchRequest{StatusCode: CodeRejected, Reason: reason})
}

func (a *Adapter) ConfirmPreorder(ctx context.Context, ref string) (model.Order, error) {
	return a.patch(ctx, "confirm_preorder", ref, patchRequest{StatusCode: CodeConfirmPreorder})
}

func (a *Adapter) SetAvailability(ctx context.Context, businessExternalID string, open bool, until *time.Time) error {
	body := map[string]any{"open": open}
	if until != nil {
		body["until"] = until.UTC().Format(time.RFC3339)
	}
	return a.client.Do(ctx, "set_availability", http.MethodPut, "/businesses/"+url.PathEscape(businessExternalID)+"/availability", body, nil)
}

// MapWebhook accepts either the {"event", "order"} envelope or a bare order.
func (a *Adapter) MapWebhook(raw []byte) (model.Order, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.Order{}, fmt.Errorf("native: decode webhook: %w", err)
	}
	if env.Order != nil {
		return env.Order.canonical()
	}
	var w wireOrder
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.Order{}, fmt.Errorf("native: decode webhook: %w", err)
	}
	return w.canonical()
}
