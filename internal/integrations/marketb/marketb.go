// Package marketb adapts MarketplaceB. Calls need an access token from a
// login exchange, orders are addressed through composite correlation tokens,
// and status updates take one of three outcome codes.
package marketb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"orderhub/internal/cache"
	"orderhub/internal/integrations"
	"orderhub/internal/model"
)

// Outcome codes accepted by POST /orders/{id}/status.
const (
	OutcomeAccept = "ACCEPT"
	OutcomeReady  = "READY"
	OutcomeCancel = "CANCEL"
)

const (
	tokenKey      = "marketb:token"
	tokenSkew     = 60 * time.Second
	tokenSegments = 3
)

var toCanonical = map[string]model.Status{
	"order_accepted": model.StatusPending,
	"in_preparation": model.StatusInProgress,
	"ready":          model.StatusCompleted,
	"picked_up":      model.StatusPickupCompletedByDriver,
	"delivered":      model.StatusDelivered,
	"cancelled":      model.StatusRejected,
}

var fromCanonical = map[model.Status]string{
	model.StatusPending:                 "order_accepted",
	model.StatusInProgress:              "in_preparation",
	model.StatusCompleted:               "ready",
	model.StatusPickupCompletedByDriver: "picked_up",
	model.StatusDelivered:               "delivered",
	model.StatusRejected:                "cancelled",
}

var outcomes = map[model.Status]string{
	model.StatusInProgress: OutcomeAccept,
	model.StatusCompleted:  OutcomeReady,
	model.StatusRejected:   OutcomeCancel,
}

type Config struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	Timeout       time.Duration
	RatePerSecond float64
}

type Adapter struct {
	cfg    Config
	client *integrations.HTTPClient
	tokens cache.Store
}

// New builds the adapter. tokens holds the access token between calls and
// may be shared across processes; nil means a private in-memory cache.
func New(cfg Config, tokens cache.Store) *Adapter {
	if tokens == nil {
		tokens = cache.NewMemory()
	}
	a := &Adapter{cfg: cfg, tokens: tokens}
	a.client = integrations.NewHTTPClient(model.ChannelMarketplaceB, integrations.ClientConfig{
		BaseURL:       cfg.BaseURL,
		Timeout:       cfg.Timeout,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         5,
	}, a.authorize)
	return a
}

func (a *Adapter) Channel() model.Channel { return model.ChannelMarketplaceB }

// ExtractOrderID returns the order id embedded in a "<prefix>-_-<id>-_-<suffix>" token.
func ExtractOrderID(token string) (string, error) {
	parts, err := integrations.SplitToken(token, integrations.TokenSeparator, tokenSegments)
	if err != nil {
		return "", err
	}
	return parts[1], nil
}

func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	if tok, ok, err := a.tokens.Get(ctx, tokenKey); err == nil && ok {
		return tok, nil
	}
	if a.cfg.ClientID == "" || a.cfg.ClientSecret == "" {
		return "", errors.New("missing client credentials")
	}
	var resp struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int    `json:"expiresIn"`
	}
	body := map[string]string{"clientId": a.cfg.ClientID, "clientSecret": a.cfg.ClientSecret}
	if err := a.client.DoAuth(ctx, "login", http.MethodPost, "/auth/login", body, &resp, nil); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", errors.New("login returned no access token")
	}
	if ttl := time.Duration(resp.ExpiresIn)*time.Second - tokenSkew; ttl > 0 {
		_ = a.tokens.Set(ctx, tokenKey, resp.AccessToken, ttl)
	}
	return resp.AccessToken, nil
}

func (a *Adapter) authorize(ctx context.Context, req *http.Request) error {
	tok, err := a.accessToken(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// do retries once with a fresh token when the cached one was refused.
func (a *Adapter) do(ctx context.Context, op, method, path string, body, result any) error {
	err := a.client.Do(ctx, op, method, path, body, result)
	var terr *integrations.TransportError
	if errors.As(err, &terr) && terr.StatusCode == http.StatusUnauthorized {
		_ = a.tokens.Delete(ctx, tokenKey)
		err = a.client.Do(ctx, op, method, path, body, result)
	}
	return err
}

type wireLine struct {
	ProductID string      `json:"productId"`
	Name      string      `json:"name"`
	Qty       json.Number `json:"qty"`
	UnitPrice json.Number `json:"unitPrice"`
	Remark    string      `json:"remark"`
	Extras    []struct {
		ID    string      `json:"id"`
		Name  string      `json:"name"`
		Qty   json.Number `json:"qty"`
		Price json.Number `json:"price"`
	} `json:"extras"`
}

type wireOrder struct {
	Token          string     `json:"token"`
	Status         string     `json:"status"`
	ExpeditionType string     `json:"expeditionType"`
	StoreID        string     `json:"storeId"`
	CreatedAt      time.Time  `json:"createdAt"`
	Scheduled      *struct {
		At        time.Time `json:"at"`
		Confirmed bool      `json:"confirmed"`
	} `json:"scheduled"`
	Lines  []wireLine `json:"lines"`
	Client struct {
		Name  string `json:"name"`
		Phone string `json:"phone"`
	} `json:"client"`
	PaymentType string      `json:"paymentType"`
	Total       json.Number `json:"total"`
	Eta         struct {
		Delivery *time.Time `json:"delivery"`
		Pickup   *time.Time `json:"pickup"`
	} `json:"eta"`
	Discounts []struct {
		Code  string      `json:"code"`
		Value json.Number `json:"value"`
	} `json:"discounts"`
	CancelReason string `json:"cancelReason"`
}

func (w wireOrder) canonical() (model.Order, error) {
	id, err := ExtractOrderID(w.Token)
	if err != nil {
		return model.Order{}, fmt.Errorf("marketb: %w", err)
	}
	st, ok := toCanonical[strings.ToLower(w.Status)]
	if !ok {
		return model.Order{}, fmt.Errorf("marketb: unknown status %q", w.Status)
	}
	o := model.Order{
		ExternalID:         id,
		Channel:            model.ChannelMarketplaceB,
		BusinessExternalID: w.StoreID,
		Status:             st,
		DeliveryType:       model.DeliveryPickup,
		CreatedAt:          w.CreatedAt.UTC(),
		Customer:           model.Customer{Name: w.Client.Name, Phone: w.Client.Phone},
		DeliveryETA:        w.Eta.Delivery,
		PickupETA:          w.Eta.Pickup,
		RejectReason:       w.CancelReason,
	}
	if strings.EqualFold(w.ExpeditionType, "delivery") {
		o.DeliveryType = model.DeliveryDelivery
	}
	switch strings.ToLower(w.PaymentType) {
	case "cash":
		o.PaymentMethod = model.PaymentCash
	case "card", "online":
		o.PaymentMethod = model.PaymentCard
	}
	if w.Scheduled != nil && !w.Scheduled.At.IsZero() {
		ps := model.PreorderWaiting
		if w.Scheduled.Confirmed {
			ps = model.PreorderConfirmed
		}
		o.Preorder = &model.Preorder{Status: ps, Time: w.Scheduled.At.UTC()}
	}
	if o.Summary.Total, err = model.NormalizeAmount(w.Total.String()); err != nil {
		return model.Order{}, fmt.Errorf("marketb: %w", err)
	}
	for _, l := range w.Lines {
		qty, err := integrations.ParseQuantity(l.Qty.String())
		if err != nil {
			return model.Order{}, fmt.Errorf("marketb: line %s: %w", l.ProductID, err)
		}
		price, err := model.NormalizeAmount(l.UnitPrice.String())
		if err != nil {
			return model.Order{}, fmt.Errorf("marketb: line %s: %w", l.ProductID, err)
		}
		p := model.Product{ID: l.ProductID, Name: l.Name, Quantity: qty, UnitPrice: price, Comment: l.Remark}
		for _, x := range l.Extras {
			xq, err := integrations.ParseQuantity(x.Qty.String())
			if err != nil {
				return model.Order{}, fmt.Errorf("marketb: extra %s: %w", x.ID, err)
			}
			xp, _ := model.NormalizeAmount(x.Price.String())
			p.Options = append(p.Options, model.Option{ID: x.ID, Name: x.Name, Quantity: xq, UnitPrice: xp})
		}
		o.Products = append(o.Products, p)
	}
	for _, d := range w.Discounts {
		amt, _ := model.NormalizeAmount(d.Value.String())
		o.Offers = append(o.Offers, model.Offer{ID: d.Code, Amount: amt})
	}
	if err := integrations.FillSummary(&o); err != nil {
		return model.Order{}, fmt.Errorf("marketb: %w", err)
	}
	return o, o.Validate()
}

func (a *Adapter) GetOrder(ctx context.Context, ref string) (model.Order, error) {
	var w wireOrder
	if err := a.do(ctx, "get_order", http.MethodGet, "/orders/"+url.PathEscape(ref), nil, &w); err != nil {
		return model.Order{}, err
	}
	return w.canonical()
}

func (a *Adapter) ListOrdersByStatus(ctx context.Context, statuses []model.Status, businessExternalIDs []string) ([]model.Order, error) {
	var names []string
	for _, s := range statuses {
		if n, ok := fromCanonical[s]; ok {
			names = append(names, n)
		}
	}
	q := url.Values{}
	q.Set("status", strings.Join(names, ","))
	if len(businessExternalIDs) > 0 {
		q.Set("storeId", strings.Join(businessExternalIDs, ","))
	}
	var resp struct {
		Orders []wireOrder `json:"orders"`
	}
	if err := a.do(ctx, "list_orders", http.MethodGet, "/orders?"+q.Encode(), nil, &resp); err != nil {
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

type statusRequest struct {
	Outcome         string `json:"outcome"`
	PreparationTime int    `json:"preparationTime,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

func (a *Adapter) setStatus(ctx context.Context, ref string, body statusRequest) (model.Order, error) {
	var w wireOrder
	if err := a.do(ctx, "set_status", http.MethodPost, "/orders/"+url.PathEscape(ref)+"/status", body, &w); err != nil {
		return model.Order{}, err
	}
	return w.canonical()
}

func (a *Adapter) UpdateOrder(ctx context.Context, ref string, upd integrations.Update) (model.Order, error) {
	outcome, ok := outcomes[upd.Status]
	if !ok {
		return model.Order{}, fmt.Errorf("marketb: no outcome for %s: %w", upd.Status, integrations.ErrUnsupported)
	}
	return a.setStatus(ctx, ref, statusRequest{Outcome: outcome, PreparationTime: upd.PreparedInMinutes, Reason: upd.Reason})
}

func (a *Adapter) RejectOrder(ctx context.Context, ref, reason string) (model.Order, error) {
	return a.setStatus(ctx, ref, statusRequest{Outcome: OutcomeCancel, Reason: reason})
}

// ConfirmPreorder accepts the scheduled order; MarketplaceB has no separate
// preorder call.
func (a *Adapter) ConfirmPreorder(ctx context.Context, ref string) (model.Order, error) {
	return a.setStatus(ctx, ref, statusRequest{Outcome: OutcomeAccept})
}

func (a *Adapter) SetAvailability(ctx context.Context, businessExternalID string, open bool, until *time.Time) error {
	body := map[string]any{"status": "CLOSED"}
	if open {
		body["status"] = "OPEN"
	}
	if until != nil {
		body["reopenAt"] = until.UTC().Format(time.RFC3339)
	}
	return a.do(ctx, "set_availability", http.MethodPut, "/stores/"+url.PathEscape(businessExternalID)+"/availability", body, nil)
}

func (a *Adapter) MapWebhook(raw []byte) (model.Order, error) {
	var w wireOrder
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.Order{}, fmt.Errorf("marketb: decode webhook: %w", err)
	}
	return w.canonical()
}
