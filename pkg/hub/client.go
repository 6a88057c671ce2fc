package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/fulfillmentworks/lifetest/pkg/config"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultRequestTimeout = 30 * time.Second

// Purchase quantities are randomized so repeated test runs exercise
// different order sizes, matching what a real customer mix looks like.
const (
	minQuantity = 60
	maxQuantity = 3000
)

// Client is the order-management capability the lifecycle test
// consumes. Implementations talk to the external hub; tests substitute
// a fake.
type Client interface {
	// CreatePurchaseDraft assembles and creates a draft purchase
	// request for the given product through the given hub.
	CreatePurchaseDraft(ctx context.Context, productID, hubID string) (*Request, error)

	// SubmitDraft moves a draft purchase request to pending.
	SubmitDraft(ctx context.Context, requestID string) (*Request, error)

	// GetRequest fetches a request by id.
	GetRequest(ctx context.Context, requestID string) (*Request, error)

	// ValidateRequest runs the hub-side validation of a draft request.
	ValidateRequest(ctx context.Context, req *Request) error

	// CreateChangeRequest creates a change request against an existing
	// asset with a fresh randomized item quantity.
	CreateChangeRequest(ctx context.Context, productID, assetID string) (*Request, error)

	// CreateLifecycleRequest creates a suspend, resume or cancel
	// request against an existing asset.
	CreateLifecycleRequest(ctx context.Context, requestType, assetID string) (*Request, error)
}

// APIError is a non-2xx response from the hub.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hub returned %d: %s", e.StatusCode, e.Message)
}

// Compile-time interface check.
var _ Client = (*client)(nil)

type client struct {
	log            logrus.FieldLogger
	baseURL        string
	apiKey         string
	connectionType string
	httpClient     *http.Client
}

// NewClient creates a hub client from config.
func NewClient(
	log logrus.FieldLogger,
	cfg *config.HubConfig,
) (Client, error) {
	timeout := defaultRequestTimeout

	if cfg.RequestTimeout != "" {
		parsed, err := time.ParseDuration(cfg.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("parsing hub request timeout: %w", err)
		}

		timeout = parsed
	}

	return &client{
		log:            log.WithField("component", "hub"),
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		connectionType: cfg.ConnectionType,
		httpClient:     &http.Client{Timeout: timeout},
	}, nil
}

func (c *client) CreatePurchaseDraft(
	ctx context.Context, productID, hubID string,
) (*Request, error) {
	accountID, err := c.firstAccountID(ctx)
	if err != nil {
		return nil, err
	}

	marketplaceID, err := c.resolveMarketplace(ctx, accountID, productID)
	if err != nil {
		return nil, err
	}

	tiers, err := c.resolveTiers(ctx, accountID)
	if err != nil {
		return nil, err
	}

	item, err := c.firstItem(ctx, productID)
	if err != nil {
		return nil, err
	}

	connectionID, err := c.resolveConnection(ctx, hubID)
	if err != nil {
		return nil, err
	}

	// external_uid and external_id share one fresh uuid, identifying
	// this test purchase in the vendor system.
	externalUID := uuid.NewString()

	body := &Request{
		Type:   "purchase",
		Status: StatusDraft,
		Asset: &Asset{
			Product:     &Product{ID: productID},
			Connection:  &Connection{ID: connectionID},
			ExternalUID: externalUID,
			ExternalID:  externalUID,
			Items:       []Item{item},
			Tiers:       tiers,
		},
		Marketplace: &Marketplace{ID: marketplaceID},
	}

	var created Request
	if err := c.do(ctx, http.MethodPost, "/requests", body, &created); err != nil {
		return nil, err
	}

	c.log.WithField("request_id", created.ID).
		WithField("product_id", productID).
		Info("Created purchase draft")

	return &created, nil
}

func (c *client) SubmitDraft(
	ctx context.Context, requestID string,
) (*Request, error) {
	var req Request

	path := fmt.Sprintf("/requests/%s/purchase", url.PathEscape(requestID))
	if err := c.do(ctx, http.MethodPost, path, nil, &req); err != nil {
		return nil, err
	}

	return &req, nil
}

func (c *client) GetRequest(
	ctx context.Context, requestID string,
) (*Request, error) {
	var req Request

	path := "/requests/" + url.PathEscape(requestID)
	if err := c.do(ctx, http.MethodGet, path, nil, &req); err != nil {
		return nil, err
	}

	return &req, nil
}

func (c *client) ValidateRequest(ctx context.Context, req *Request) error {
	path := fmt.Sprintf("/requests/%s/validate", url.PathEscape(req.ID))

	return c.do(ctx, http.MethodPost, path, req, nil)
}

func (c *client) CreateChangeRequest(
	ctx context.Context, productID, assetID string,
) (*Request, error) {
	item, err := c.firstItem(ctx, productID)
	if err != nil {
		return nil, err
	}

	body := &Request{
		Type: "change",
		Asset: &Asset{
			ID:    assetID,
			Items: []Item{item},
		},
	}

	var created Request
	if err := c.do(ctx, http.MethodPost, "/requests", body, &created); err != nil {
		return nil, err
	}

	return &created, nil
}

func (c *client) CreateLifecycleRequest(
	ctx context.Context, requestType, assetID string,
) (*Request, error) {
	body := &Request{
		Type:  requestType,
		Asset: &Asset{ID: assetID},
	}

	var created Request
	if err := c.do(ctx, http.MethodPost, "/requests", body, &created); err != nil {
		return nil, err
	}

	c.log.WithField("request_id", created.ID).
		WithField("type", requestType).
		Debug("Created lifecycle request")

	return &created, nil
}

// firstAccountID returns the id of the account owning the API key.
func (c *client) firstAccountID(ctx context.Context) (string, error) {
	var accounts []Account
	if err := c.do(ctx, http.MethodGet, "/accounts?limit=1", nil, &accounts); err != nil {
		return "", err
	}

	if len(accounts) == 0 {
		return "", &APIError{
			StatusCode: http.StatusNotFound,
			Message:    "no account visible to this api key",
		}
	}

	return accounts[0].ID, nil
}

// resolveMarketplace picks the marketplace of the first listing that
// offers the product in one of the account's marketplaces.
func (c *client) resolveMarketplace(
	ctx context.Context, accountID, productID string,
) (string, error) {
	var listings []Listing

	path := fmt.Sprintf(
		"/listings?owner.id=%s&product.id=%s&limit=1",
		url.QueryEscape(accountID), url.QueryEscape(productID),
	)
	if err := c.do(ctx, http.MethodGet, path, nil, &listings); err != nil {
		return "", err
	}

	if len(listings) == 0 {
		return "", &APIError{
			StatusCode: http.StatusNotFound,
			Message:    fmt.Sprintf("no listing found for product %s", productID),
		}
	}

	return listings[0].Contract.Marketplace.ID, nil
}

// resolveTiers picks the first tier account owned by the account and
// builds the customer/tier1 structure of the purchase.
func (c *client) resolveTiers(
	ctx context.Context, accountID string,
) (*Tiers, error) {
	var tierAccounts []Account

	path := fmt.Sprintf(
		"/tier/accounts?owner.id=%s&limit=1",
		url.QueryEscape(accountID),
	)
	if err := c.do(ctx, http.MethodGet, path, nil, &tierAccounts); err != nil {
		return nil, err
	}

	if len(tierAccounts) == 0 {
		return nil, &APIError{
			StatusCode: http.StatusNotFound,
			Message:    "no tier account available",
		}
	}

	tiers := &Tiers{
		Customer: &AccountRef{ID: tierAccounts[0].ID},
	}

	if tierAccounts[0].Parent != nil {
		tiers.Tier1 = &AccountRef{ID: tierAccounts[0].Parent.ID}
	}

	return tiers, nil
}

// firstItem fetches the product's first item with a randomized quantity.
func (c *client) firstItem(
	ctx context.Context, productID string,
) (Item, error) {
	var items []Item

	path := fmt.Sprintf(
		"/products/%s/items?limit=1", url.PathEscape(productID),
	)
	if err := c.do(ctx, http.MethodGet, path, nil, &items); err != nil {
		return Item{}, err
	}

	if len(items) == 0 {
		return Item{}, &APIError{
			StatusCode: http.StatusNotFound,
			Message:    fmt.Sprintf("product %s has no items", productID),
		}
	}

	item := items[0]
	item.Quantity = minQuantity + rand.IntN(maxQuantity-minQuantity+1)

	return item, nil
}

// resolveConnection finds the hub connection matching the configured
// connection type. Development and preview environments use a fixed
// connection id.
func (c *client) resolveConnection(
	ctx context.Context, hubID string,
) (string, error) {
	if c.connectionType == "development" || c.connectionType == "preview" {
		return "CT-0000-0000-0000", nil
	}

	var connections []Connection

	path := fmt.Sprintf("/hubs/%s/connections", url.PathEscape(hubID))
	if err := c.do(ctx, http.MethodGet, path, nil, &connections); err != nil {
		return "", err
	}

	for _, conn := range connections {
		if conn.Type == c.connectionType {
			return conn.ID, nil
		}
	}

	return "", &APIError{
		StatusCode: http.StatusNotFound,
		Message: fmt.Sprintf(
			"hub %s has no %s connection", hubID, c.connectionType,
		),
	}
}

// do performs one hub API call, encoding body and decoding the
// response into out when non-nil.
func (c *client) do(
	ctx context.Context, method, path string, body, out any,
) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(
		ctx, method, c.baseURL+path, reader,
	)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Authorization", "ApiKey "+c.apiKey)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling hub %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(msg),
		}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding hub response: %w", err)
	}

	return nil
}
