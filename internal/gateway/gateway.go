// Package gateway adapts payment providers to the booking pipeline.  Each
// adapter can verify and parse the provider's webhook payloads, start a
// charge and request a refund.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/trip-booking/internal/model"
)

var (
	// ErrInvalidSignature is returned when a webhook fails verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformed is returned when a webhook payload cannot be parsed.
	ErrMalformed = errors.New("malformed webhook payload")
	// ErrUnsupported is returned for operations a provider does not offer.
	ErrUnsupported = errors.New("operation not supported by provider")
	// ErrTransient marks failures worth retrying: timeouts, connection
	// errors and 5xx responses.
	ErrTransient = errors.New("gateway temporarily unavailable")
)

// Status is the normalized outcome carried by a webhook.
type Status string

const (
	StatusSuccess    Status = "SUCCESS"
	StatusFailure    Status = "FAILURE"
	StatusRefunded   Status = "REFUNDED"
	StatusProcessing Status = "PROCESSING"
)

// Notification is a verified, provider-independent webhook.
type Notification struct {
	TransactionID string
	Status        Status
	Amount        *decimal.Decimal // nil when the provider does not report it
	GatewayRef    string
	Note          string
}

// Provider verifies and parses webhook payloads.
type Provider interface {
	Name() string
	Parse(payload []byte, header http.Header) (Notification, error)
}

// ChargeRequest asks a provider to collect Amount for a transaction.
type ChargeRequest struct {
	TransactionID string
	BookingCode   string
	Amount        decimal.Decimal
	ClientIP      string
	CreatedAt     time.Time
}

// Charge tells the client how to complete the payment.
type Charge struct {
	RedirectURL  string `json:"redirectUrl,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	GatewayRef   string `json:"-"`
}

// Charger starts payments.
type Charger interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error)
}

// RefundRequest asks a provider to return Amount of a settled payment.
type RefundRequest struct {
	TransactionID   string
	GatewayRef      string
	Amount          decimal.Decimal
	Reason          string
	TransactionType string
	PaidAt          time.Time
}

// RefundOutcome is the synchronous answer of a refund call.
type RefundOutcome string

const (
	RefundSucceeded RefundOutcome = "SUCCEEDED"
	RefundPending   RefundOutcome = "PENDING" // confirmed later by webhook
)

// RefundResult is returned by Refunder.
type RefundResult struct {
	Outcome    RefundOutcome
	GatewayRef string
}

// Refunder requests refunds.
type Refunder interface {
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// QueryRequest asks a provider for the state of a payment it was sent.
type QueryRequest struct {
	TransactionID string
	CreatedAt     time.Time // when the charge was created
}

// Querier reports the current state of a payment on demand, for providers
// whose notifications can be lost.
type Querier interface {
	Query(ctx context.Context, req QueryRequest) (Notification, error)
}

// Registry looks adapters up by webhook provider name and by payment
// method.  It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	chargers  map[model.PaymentMethod]Charger
	refunders map[model.PaymentMethod]Refunder
	queriers  map[model.PaymentMethod]Querier
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		chargers:  make(map[model.PaymentMethod]Charger),
		refunders: make(map[model.PaymentMethod]Refunder),
		queriers:  make(map[model.PaymentMethod]Querier),
	}
}

// AddProvider registers p under name (case-insensitive).
func (r *Registry) AddProvider(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(name)] = p
}

// AddMethod registers the charge and refund adapters of a payment method.
// Either may be nil.
func (r *Registry) AddMethod(m model.PaymentMethod, c Charger, rf Refunder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c != nil {
		r.chargers[m] = c
	}
	if rf != nil {
		r.refunders[m] = rf
	}
}

// AddQuerier registers the status lookup of a payment method.
func (r *Registry) AddQuerier(m model.PaymentMethod, q Querier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queriers[m] = q
}

// Provider returns the webhook parser registered under name.
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(name)]
	return p, ok
}

// Charger returns the charge adapter of m.
func (r *Registry) Charger(m model.PaymentMethod) (Charger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chargers[m]
	return c, ok
}

// Refunder returns the refund adapter of m.
func (r *Registry) Refunder(m model.PaymentMethod) (Refunder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rf, ok := r.refunders[m]
	return rf, ok
}

// Querier returns the status lookup of m.
func (r *Registry) Querier(m model.PaymentMethod) (Querier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queriers[m]
	return q, ok
}
