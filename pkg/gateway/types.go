package gateway

import (
	"context"
	"time"
)

// Environment selects the Transbank deployment
type Environment string

const (
	Integration Environment = "integration"
	Production  Environment = "production"
)

// Public integration endpoints and credentials published by Transbank
const (
	IntegrationBaseURL = "https://webpay3gint.transbank.cl"
	ProductionBaseURL  = "https://webpay3g.transbank.cl"

	IntegrationWebpayPlusCommerceCode   = "597055555532"
	IntegrationOneClickMallCommerceCode = "597055555541"
	IntegrationOneClickChildCode        = "597055555542"
	IntegrationAPIKey                   = "579B532A7440BB0C9079DED94D31EA1615BACEB56610332264630D42D0A36B1C"
)

// StatusAuthorized is the Webpay status of an approved transaction
const StatusAuthorized = "AUTHORIZED"

// Redirect is where the payer must be sent to complete a flow
type Redirect struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// Confirmation is the outcome of committing a Webpay Plus transaction
type Confirmation struct {
	Authorized        bool   `json:"authorized"`
	Status            string `json:"status"`
	ResponseCode      int64  `json:"responseCode"`
	AuthorizationCode string `json:"authorizationCode,omitempty"`
	BuyOrder          string `json:"buyOrder,omitempty"`
	SessionID         string `json:"sessionId,omitempty"`
	Amount            int64  `json:"amount"`
	CardLast4         string `json:"cardLast4,omitempty"`
	PaymentType       string `json:"paymentType,omitempty"`
	TransactionDate   string `json:"transactionDate,omitempty"`
}

// InscriptionResult is the outcome of finishing a OneClick inscription.
// CardToken is the provider's tbk_user and must never be logged.
type InscriptionResult struct {
	Success           bool   `json:"success"`
	ResponseCode      int64  `json:"responseCode"`
	CardToken         string `json:"-"`
	AuthorizationCode string `json:"authorizationCode,omitempty"`
	CardBrand         string `json:"cardBrand,omitempty"`
	MaskedCardNumber  string `json:"maskedCardNumber,omitempty"`
}

// RemovalResult is the outcome of removing an inscription
type RemovalResult struct {
	Success bool `json:"success"`
}

// ChargeResult is the outcome of charging an inscribed card
type ChargeResult struct {
	Success           bool   `json:"success"`
	ResponseCode      int64  `json:"responseCode"`
	Status            string `json:"status,omitempty"`
	AuthorizationCode string `json:"authorizationCode,omitempty"`
	OrderID           string `json:"orderId,omitempty"`
	Amount            int64  `json:"amount,omitempty"`
	CardLast4         string `json:"cardLast4,omitempty"`
	TransactionDate   string `json:"transactionDate,omitempty"`
}

// Transactions creates and confirms one-time Webpay Plus payments
type Transactions interface {
	CreateTransaction(ctx context.Context, orderID, payerID string, amount int64, returnURL string) (*Redirect, error)
	ConfirmTransaction(ctx context.Context, token string) (*Confirmation, error)
}

// Inscriptions manages OneClick card tokenization
type Inscriptions interface {
	StartInscription(ctx context.Context, username, email, returnURL string) (*Redirect, error)
	FinishInscription(ctx context.Context, token string) (*InscriptionResult, error)
	RemoveInscription(ctx context.Context, cardToken, username string) (*RemovalResult, error)
}

// Charger charges a previously inscribed card and can look up the outcome
// of an earlier charge when the original answer was lost
type Charger interface {
	ChargeInscribedCard(ctx context.Context, username, cardToken, orderID string, amount int64) (*ChargeResult, error)
	ChargeStatus(ctx context.Context, orderID string) (*ChargeResult, error)
}

// Client is the full gateway surface
type Client interface {
	Transactions
	Inscriptions
	Charger
}

// Config configures a TransbankClient. Empty credentials in the
// integration environment default to the public test values.
type Config struct {
	Environment          Environment
	BaseURL              string
	CommerceCode         string
	OneClickCommerceCode string
	ChildCommerceCode    string
	APIKey               string
	Timeout              time.Duration
}
