// Package marketa adapts MarketplaceA: webhooks plus a REST API with one verb
// per transition. Orders use a bearer API key; availability and catalog calls
// use HTTP Basic.
package marketa

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

var toCanonical = map[string]model.Status{
	"NEW":       model.StatusPending,
	"ACCEPTED":  model.StatusInProgress,
	"READY":     model.StatusCompleted,
	"PICKED_UP": model.StatusPickupCompletedByDriver,
	"DELIVERED": model.StatusDelivered,
	"CANCELLED": model.StatusRejected,
	"REJECTED":  model.StatusRejected,
}

var fromCanonical = map[model.Status][]string{
	model.StatusPending:                 {"NEW"},
	model.StatusInProgress:              {"ACCEPTED"},
	model.StatusCompleted:               {"READY"},
	model.StatusPickupCompletedByDriver: {"PICKED_UP"},
	model.StatusDelivered:               {"DELIVERED"},
	model.StatusRejected:                {"CANCELLED", "REJECTED"},
}

// verbs maps a canonical target to the order action path.
var verbs = map[model.Status]string{
	model.StatusInProgress: "accept",
	model.StatusCompleted:  "ready",
	model.StatusDelivered:  "delivered",
	model.StatusRejected:   "reject",
}

type Config struct {
	BaseURL       string
	APIKey        string
	BasicUser     string
	BasicPassword string
	Timeout       time.Duration
	RatePerSecond float64
}

type Adapter struct {
	client *integrations.HTTPClient
	basic  integrations.AuthFunc
}

func New(cfg Config) *Adapter {
	return &Adapter{
		client: integrations.NewHTTPClient(model.ChannelMarketplaceA, integrations.ClientConfig{
			BaseURL:       cfg.BaseURL,
			Timeout:       cfg.Timeout,
			RatePerSecond: cfg.RatePerSecond,
			Burst:         5,
		}, integrations.BearerAuth(cfg.APIKey)),
		basic: integrations.BasicAuth(cfg.BasicUser, cfg.BasicPassword),
	}
}

func (a *Adapter) Channel() model.Channel { return model.ChannelMarketplaceA }

type wireModifier struct {
	SKU      string `json:"sku"`
	Title    string `json:"title"`
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
}

type wireItem struct {
	SKU       string         `json:"sku"`
	Title     string         `json:"title"`
	Quantity  string         `json:"quantity"`
	Price     string         `json:"price"`
	Note      string         `json:"note"`
	Modifiers []wireModifier `json:"modifiers"`
}

type wireOrder struct {
	OrderID           string     `json:"orderId"`
	RestaurantID      string     `json:"restaurantId"`
	State             string     `json:"state"`
	Fulfillment       string     `json:"fulfillment"`
	PlacedAt          time.Time  `json:"placedAt"`
	ScheduledFor      *time.Time `json:"scheduledFor"`
	PreorderConfirmed bool       `json:"preorderConfirmed"`
	Items             []wireItem `json:"items"`
	Customer          struct {
		FullName    string `json:"fullName"`
		PhoneNumber string `json:"phoneNumber"`
	} `json:"customer"`
	Payment struct {
		Type string `json:"type"`
	} `json:"payment"`
	TotalPrice          string     `json:"totalPrice"`
	EstimatedDeliveryAt *time.Time `json:"estimatedDeliveryAt"`
	EstimatedPickupAt   *time.Time `json:"estimatedPickupAt"`
	Promotions          []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Discount string `json:"discount"`
	} `json:"promotions"`
	CancelReason string `json:"cancelReason"`
}

func (w wireOrder) canonical() (model.Order, error) {
	if w.OrderID == "" {
		return model.Order{}, fmt.Errorf("marketa: orderId missing")
	}
	st, ok := toCanonical[strings.ToUpper(w.State)]
	if !ok {
		return model.Order{}, fmt.Errorf("marketa: unknown state %q", w.State)
	}
	o := model.Order{
		ExternalID:         w.OrderID,
		Channel:            model.ChannelMarketplaceA,
		BusinessExternalID: w.RestaurantID,
		Status:             st,
		DeliveryType:       model.DeliveryDelivery,
		CreatedAt:          w.PlacedAt.UTC(),
		Customer:           model.Customer{Name: w.Customer.FullName, Phone: w.Customer.PhoneNumber},
		DeliveryETA:        w.EstimatedDeliveryAt,
		PickupETA:          w.EstimatedPickupAt,
		RejectReason:       w.CancelReason,
	}
	if strings.EqualFold(w.Fulfillment, "PICKUP") {
		o.DeliveryType = model.DeliveryPickup
	}
	switch strings.ToUpper(w.Payment.Type) {
	case "CASH":
		o.PaymentMethod = model.PaymentCash
	case "ONLINE", "CARD":
		o.PaymentMethod = model.PaymentCard
	}
	if w.ScheduledFor != nil {
		ps := model.PreorderWaiting
		if w.PreorderConfirmed {
			ps = model.PreorderConfirmed
		}
		o.Preorder = &model.Preorder{Status: ps, Time: w.ScheduledFor.UTC()}
	}
	var err error
	if o.Summary.Total, err = model.NormalizeAmount(w.TotalPrice); err != nil {
		return model.Order{}, fmt.Errorf("marketa: %w", err)
	}
	for _, it := range w.Items {
		qty, err := integrations.ParseQuantity(it.Quantity)
		if err != nil {
			return model.Order{}, fmt.Errorf("marketa: item %s: %w", it.SKU, err)
		}
		price, err := model.NormalizeAmount(it.Price)
		if err != nil {
			return model.Order{}, fmt.Errorf("marketa: item %s: %w", it.SKU, err)
		}
		p := model.Product{ID: it.SKU, Name: it.Title, Quantity: qty, UnitPrice: price, Comment: it.Note}
		for _, m := range it.Modifiers {
			mq, err := integrations.ParseQuantity(m.Quantity)
			if err != nil {
				return model.Order{}, fmt.Errorf("marketa: modifier %s: %w", m.SKU, err)
			}
			p.Options = append(p.Options, model.Option{ID: m.SKU, Name: m.Title, Quantity: mq, UnitPrice: m.Price})
		}
		o.Products = append(o.Products, p)
	}
	for _, pr := range w.Promotions {
		o.Offers = append(o.Offers, model.Offer{ID: pr.ID, Name: pr.Name, Amount: pr.Discount})
	}
	if err := integrations.FillSummary(&o); err != nil {
		return model.Order{}, fmt.Errorf("marketa: %w", err)
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
	var states []string
	for _, s := range statuses {
		states = append(states, fromCanonical[s]...)
	}
	q := url.Values{}
	q.Set("states", strings.Join(states, ","))
	if len(businessExternalIDs) > 0 {
		q.Set("restaurantIds", strings.Join(businessExternalIDs, ","))
	}
	var resp struct {
		Data []wireOrder `json:"data"`
	}
	if err := a.client.Do(ctx, "list_orders", http.MethodGet, "/orders?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]model.Order, 0, len(resp.Data))
	for _, w := range resp.Data {
		o, err := w.canonical()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

type confirmedItem struct {
	SKU      string `json:"sku"`
	Quantity string `json:"quantity"`
}

type actionRequest struct {
	PreparationMinutes int             `json:"preparationMinutes,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	Items              []confirmedItem `json:"items,omitempty"`
}

func (a *Adapter) action(ctx context.Context, ref, verb string, body actionRequest) (model.Order, error) {
	var w wireOrder
	path := "/orders/" + url.PathEscape(ref) + "/" + verb
	if err := a.client.Do(ctx, verb, http.MethodPost, path, body, &w); err != nil {
		return model.Order{}, err
	}
	return w.canonical()
}

func (a *Adapter) UpdateOrder(ctx context.Context, ref string, upd integrations.Update) (model.Order, error) {
	verb, ok := verbs[upd.Status]
	if !ok {
		return model.Order{}, fmt.Errorf("marketa: no action for %s: %w", upd.Status, integrations.ErrUnsupported)
	}
	body := actionRequest{Reason: upd.Reason}
	if upd.Status == model.StatusInProgress {
		body.PreparationMinutes = upd.PreparedInMinutes
		for _, p := range upd.Products {
			body.Items = append(body.Items, confirmedItem{SKU: p.ID, Quantity: integrations.FormatQuantity(p.Quantity)})
		}
	}
	return a.action(ctx, ref, verb, body)
}

func (a *Adapter) RejectOrder(ctx context.Context, ref, reason string) (model.Order, error) {
	return a.action(ctx, ref, "reject", actionRequest{Reason: reason})
}

func (a *Adapter) ConfirmPreorder(ctx context.Context, ref string) (model.Order, error) {
	return a.action(ctx, ref, "confirm-preorder", actionRequest{})
}

func (a *Adapter) SetAvailability(ctx context.Context, businessExternalID string, open bool, until *time.Time) error {
	body := map[string]any{"available": open}
	if until != nil {
		body["until"] = until.UTC().Format(time.RFC3339)
	}
	path := "/restaurants/" + url.PathEscape(businessExternalID) + "/availability"
	return a.client.DoAuth(ctx, "set_availability", http.MethodPut, path, body, nil, a.basic)
}

type webhookEnvelope struct {
	EventType string     `json:"eventType"`
	Order     *wireOrder `json:"order"`
}

func (a *Adapter) MapWebhook(raw []byte) (model.Order, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.Order{}, fmt.Errorf("marketa: decode webhook: %w", err)
	}
	if env.Order == nil {
		return model.Order{}, fmt.Errorf("marketa: webhook %q carries no order", env.EventType)
	}
	return env.Order.canonical()
}
