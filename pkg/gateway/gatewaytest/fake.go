// Package gatewaytest provides a scripted in-memory gateway for tests and
// local dry runs.
package gatewaytest

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/platinummonkey/bookflow/pkg/gateway"
)

var _ gateway.Client = (*Fake)(nil)

// Outcome is the scripted result of a charge
type Outcome struct {
	Result *gateway.ChargeResult
	Err    error
	Panic  interface{}
}

// Approved returns an approving outcome
func Approved() Outcome {
	return Outcome{Result: &gateway.ChargeResult{Success: true, ResponseCode: 0, Status: gateway.StatusAuthorized}}
}

// Declined returns a decline carrying the provider response code
func Declined(code int64) Outcome {
	return Outcome{Result: &gateway.ChargeResult{Success: false, ResponseCode: code, Status: "REJECTED"}}
}

// Failed returns a transport-level gateway error. The provider may or may
// not have processed the charge.
func Failed(msg string) Outcome {
	return Outcome{Err: &gateway.GatewayError{Op: "oneclick_authorize", Message: msg}}
}

// Rejected returns a provider error response the charge definitely did not
// survive, such as a 4xx validation failure
func Rejected(statusCode int, msg string) Outcome {
	return Outcome{Err: &gateway.GatewayError{Op: "oneclick_authorize", StatusCode: statusCode, Message: msg}}
}

// NotFound is the status lookup answer for a charge the provider never
// registered
func NotFound() Outcome {
	return Outcome{Err: &gateway.GatewayError{Op: "oneclick_status", StatusCode: http.StatusNotFound, Message: "Transaction not found"}}
}

// ChargeCall records one ChargeInscribedCard invocation
type ChargeCall struct {
	Username  string
	CardToken string
	OrderID   string
	Amount    int64
}

// Fake implements gateway.Client. Charges are resolved by card token,
// falling back to Default. Status lookups resolve by the card token the
// order was charged against; unscripted orders report what the charge
// returned, or NotFound when the charge errored.
type Fake struct {
	mu           sync.Mutex
	byCard       map[string]Outcome
	statusByCard map[string]Outcome
	orders       map[string]string
	results      map[string]*gateway.ChargeResult
	Default      Outcome
	calls        []ChargeCall
	lookups      []string
	seq          int
}

// NewFake creates a fake that approves every charge
func NewFake() *Fake {
	return &Fake{
		byCard:       make(map[string]Outcome),
		statusByCard: make(map[string]Outcome),
		orders:       make(map[string]string),
		results:      make(map[string]*gateway.ChargeResult),
		Default:      Approved(),
	}
}

// Script sets the outcome for charges against cardToken
func (f *Fake) Script(cardToken string, outcome Outcome) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byCard[cardToken] = outcome
	return f
}

// ScriptStatus sets the answer to status lookups for orders charged
// against cardToken
func (f *Fake) ScriptStatus(cardToken string, outcome Outcome) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusByCard[cardToken] = outcome
	return f
}

// StatusLookups returns every order id passed to ChargeStatus
func (f *Fake) StatusLookups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lookups...)
}

// Calls returns every charge made so far
func (f *Fake) Calls() []ChargeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ChargeCall(nil), f.calls...)
}

// ChargeCount returns how many charges hit cardToken
func (f *Fake) ChargeCount(cardToken string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.CardToken == cardToken {
			n++
		}
	}
	return n
}

// ChargeInscribedCard resolves the scripted outcome
func (f *Fake) ChargeInscribedCard(ctx context.Context, username, cardToken, orderID string, amount int64) (*gateway.ChargeResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ChargeCall{Username: username, CardToken: cardToken, OrderID: orderID, Amount: amount})
	outcome, ok := f.byCard[cardToken]
	if !ok {
		outcome = f.Default
	}
	f.orders[orderID] = cardToken
	f.seq++
	seq := f.seq
	f.mu.Unlock()

	if outcome.Panic != nil {
		panic(outcome.Panic)
	}
	if outcome.Err != nil {
		return nil, outcome.Err
	}

	result := *outcome.Result
	result.OrderID = orderID
	result.Amount = amount
	if result.Success {
		result.AuthorizationCode = fmt.Sprintf("AUTH%04d", seq)
	}

	f.mu.Lock()
	stored := result
	f.results[orderID] = &stored
	f.mu.Unlock()
	return &result, nil
}

// ChargeStatus resolves a status lookup for orderID
func (f *Fake) ChargeStatus(ctx context.Context, orderID string) (*gateway.ChargeResult, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, orderID)
	cardToken, charged := f.orders[orderID]
	outcome, scripted := f.statusByCard[cardToken]
	known := f.results[orderID]
	f.mu.Unlock()

	switch {
	case charged && scripted:
	case known != nil:
		result := *known
		return &result, nil
	default:
		outcome = NotFound()
	}

	if outcome.Panic != nil {
		panic(outcome.Panic)
	}
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	result := *outcome.Result
	result.OrderID = orderID
	return &result, nil
}

// CreateTransaction returns a fixed redirect
func (f *Fake) CreateTransaction(ctx context.Context, orderID, payerID string, amount int64, returnURL string) (*gateway.Redirect, error) {
	return &gateway.Redirect{Token: "tok-" + orderID, URL: "https://fake.transbank.local/webpay"}, nil
}

// ConfirmTransaction authorizes every token
func (f *Fake) ConfirmTransaction(ctx context.Context, token string) (*gateway.Confirmation, error) {
	return &gateway.Confirmation{Authorized: true, Status: gateway.StatusAuthorized}, nil
}

// StartInscription returns a fixed redirect
func (f *Fake) StartInscription(ctx context.Context, username, email, returnURL string) (*gateway.Redirect, error) {
	return &gateway.Redirect{Token: "ins-" + username, URL: "https://fake.transbank.local/oneclick"}, nil
}

// FinishInscription succeeds with a card token derived from token
func (f *Fake) FinishInscription(ctx context.Context, token string) (*gateway.InscriptionResult, error) {
	return &gateway.InscriptionResult{
		Success:          true,
		CardToken:        "tbk-" + token,
		CardBrand:        "Visa",
		MaskedCardNumber: gateway.MaskCard("4051885600446623"),
	}, nil
}

// RemoveInscription always succeeds
func (f *Fake) RemoveInscription(ctx context.Context, cardToken, username string) (*gateway.RemovalResult, error) {
	return &gateway.RemovalResult{Success: true}, nil
}
