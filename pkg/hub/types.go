package hub

// Request statuses the lifecycle test cares about.
const (
	StatusDraft    = "draft"
	StatusPending  = "pending"
	StatusApproved = "approved"
)

// Request is a fulfillment request in the hub. Every lifecycle stage of
// a subscription (purchase, adjustment, change, suspend, resume,
// cancel) is realized as one request.
type Request struct {
	ID          string       `json:"id,omitempty"`
	Type        string       `json:"type"`
	Status      string       `json:"status,omitempty"`
	Asset       *Asset       `json:"asset,omitempty"`
	Marketplace *Marketplace `json:"marketplace,omitempty"`
}

// Asset is the subscription under test.
type Asset struct {
	ID          string      `json:"id,omitempty"`
	ExternalUID string      `json:"external_uid,omitempty"`
	ExternalID  string      `json:"external_id,omitempty"`
	Product     *Product    `json:"product,omitempty"`
	Connection  *Connection `json:"connection,omitempty"`
	Items       []Item      `json:"items,omitempty"`
	Tiers       *Tiers      `json:"tiers,omitempty"`
}

// Product identifies the product the subscription is for.
type Product struct {
	ID string `json:"id"`
}

// Connection identifies the hub connection the purchase goes through.
type Connection struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

// Marketplace identifies the marketplace of the purchase.
type Marketplace struct {
	ID string `json:"id"`
}

// Item is a purchasable product item with a quantity.
type Item struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity,omitempty"`
}

// Tiers carries the customer (and optional reseller) accounts of the
// subscription.
type Tiers struct {
	Customer *AccountRef `json:"customer,omitempty"`
	Tier1    *AccountRef `json:"tier1,omitempty"`
}

// AccountRef references an account by id.
type AccountRef struct {
	ID string `json:"id"`
}

// Account is a hub account.
type Account struct {
	ID     string      `json:"id"`
	Parent *AccountRef `json:"parent,omitempty"`
}

// Listing binds a product to a marketplace contract.
type Listing struct {
	Contract struct {
		Marketplace Marketplace `json:"marketplace"`
	} `json:"contract"`
}
