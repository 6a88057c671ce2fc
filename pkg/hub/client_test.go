package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulfillmentworks/lifetest/pkg/config"
)

// newHubServer returns a test server mimicking the hub's REST surface
// for one product and one hub, capturing created requests.
func newHubServer(t *testing.T, created *[]Request) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /accounts", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(t, w, []Account{{ID: "VA-123"}})
	})

	mux.HandleFunc("GET /listings", func(w http.ResponseWriter, _ *http.Request) {
		listing := Listing{}
		listing.Contract.Marketplace.ID = "MK-123"
		writeTestJSON(t, w, []Listing{listing})
	})

	mux.HandleFunc("GET /tier/accounts", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(t, w, []Account{
			{ID: "TA-123", Parent: &AccountRef{ID: "TA-223"}},
		})
	})

	mux.HandleFunc("GET /products/{id}/items", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(t, w, []Item{{ID: "IT-123", Quantity: 1}})
	})

	mux.HandleFunc("GET /hubs/{id}/connections", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(t, w, []Connection{
			{ID: "CT-111", Type: "test"},
			{ID: "CT-222", Type: "production"},
		})
	})

	mux.HandleFunc("POST /requests", func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		*created = append(*created, req)

		req.ID = "PR-123"
		w.WriteHeader(http.StatusCreated)
		writeTestJSON(t, w, req)
	})

	mux.HandleFunc("GET /requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(t, w, Request{
			ID:     r.PathValue("id"),
			Type:   "purchase",
			Status: StatusApproved,
			Asset:  &Asset{ID: "AS-123"},
		})
	})

	mux.HandleFunc("POST /requests/{id}/purchase", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(t, w, Request{ID: r.PathValue("id"), Status: StatusPending})
	})

	mux.HandleFunc("POST /requests/{id}/validate", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(t, w, map[string]string{"status": "ok"})
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return ts
}

func writeTestJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()

	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func newTestClient(t *testing.T, baseURL string) Client {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	c, err := NewClient(log, &config.HubConfig{
		BaseURL:        baseURL,
		APIKey:         "SU-000-000",
		ConnectionType: "production",
	})
	require.NoError(t, err)

	return c
}

func TestCreatePurchaseDraft(t *testing.T) {
	var created []Request

	ts := newHubServer(t, &created)
	c := newTestClient(t, ts.URL)

	req, err := c.CreatePurchaseDraft(context.Background(), "PRD-1", "HB-1")
	require.NoError(t, err)
	assert.Equal(t, "PR-123", req.ID)

	require.Len(t, created, 1)
	sent := created[0]

	assert.Equal(t, "purchase", sent.Type)
	assert.Equal(t, StatusDraft, sent.Status)
	require.NotNil(t, sent.Marketplace)
	assert.Equal(t, "MK-123", sent.Marketplace.ID)

	require.NotNil(t, sent.Asset)
	assert.Equal(t, "PRD-1", sent.Asset.Product.ID)
	assert.Equal(t, "CT-222", sent.Asset.Connection.ID, "must pick the production connection")
	assert.NotEmpty(t, sent.Asset.ExternalUID)
	assert.Equal(t, sent.Asset.ExternalUID, sent.Asset.ExternalID)

	require.NotNil(t, sent.Asset.Tiers)
	assert.Equal(t, "TA-123", sent.Asset.Tiers.Customer.ID)
	require.NotNil(t, sent.Asset.Tiers.Tier1)
	assert.Equal(t, "TA-223", sent.Asset.Tiers.Tier1.ID)

	require.Len(t, sent.Asset.Items, 1)
	assert.Equal(t, "IT-123", sent.Asset.Items[0].ID)
	assert.GreaterOrEqual(t, sent.Asset.Items[0].Quantity, 60)
	assert.LessOrEqual(t, sent.Asset.Items[0].Quantity, 3000)
}

func TestGetRequest(t *testing.T) {
	var created []Request

	ts := newHubServer(t, &created)
	c := newTestClient(t, ts.URL)

	req, err := c.GetRequest(context.Background(), "PR-777")
	require.NoError(t, err)
	assert.Equal(t, "PR-777", req.ID)
	assert.Equal(t, StatusApproved, req.Status)
	require.NotNil(t, req.Asset)
	assert.Equal(t, "AS-123", req.Asset.ID)
}

func TestSubmitDraft(t *testing.T) {
	var created []Request

	ts := newHubServer(t, &created)
	c := newTestClient(t, ts.URL)

	req, err := c.SubmitDraft(context.Background(), "PR-555")
	require.NoError(t, err)
	assert.Equal(t, "PR-555", req.ID)
	assert.Equal(t, StatusPending, req.Status)
}

func TestCreateLifecycleRequest(t *testing.T) {
	var created []Request

	ts := newHubServer(t, &created)
	c := newTestClient(t, ts.URL)

	req, err := c.CreateLifecycleRequest(context.Background(), "suspend", "AS-123")
	require.NoError(t, err)
	assert.Equal(t, "PR-123", req.ID)

	require.Len(t, created, 1)
	assert.Equal(t, "suspend", created[0].Type)
	require.NotNil(t, created[0].Asset)
	assert.Equal(t, "AS-123", created[0].Asset.ID)
	assert.Empty(t, created[0].Asset.Items)
}

func TestCreateChangeRequest(t *testing.T) {
	var created []Request

	ts := newHubServer(t, &created)
	c := newTestClient(t, ts.URL)

	req, err := c.CreateChangeRequest(context.Background(), "PRD-1", "AS-123")
	require.NoError(t, err)
	assert.Equal(t, "PR-123", req.ID)

	require.Len(t, created, 1)
	assert.Equal(t, "change", created[0].Type)
	require.Len(t, created[0].Asset.Items, 1, "change carries a fresh item quantity")
}

func TestAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		},
	))
	t.Cleanup(ts.Close)

	c := newTestClient(t, ts.URL)

	_, err := c.GetRequest(context.Background(), "PR-1")

	var apiErr *APIError

	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "403")
}

func TestResolveConnection_DevelopmentShortcut(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	c, err := NewClient(log, &config.HubConfig{
		BaseURL:        "http://unused",
		APIKey:         "SU-000-000",
		ConnectionType: "development",
	})
	require.NoError(t, err)

	impl, ok := c.(*client)
	require.True(t, ok)

	id, err := impl.resolveConnection(context.Background(), "HB-1")
	require.NoError(t, err)
	assert.Equal(t, "CT-0000-0000-0000", id)
}
