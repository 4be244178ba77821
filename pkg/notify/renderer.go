package notify

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strconv"
	"strings"
	texttemplate "text/template"

	"github.com/platinummonkey/bookflow/pkg/gateway"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var subjects = map[EventType]string{
	EventTrialEnding:          "Your %s trial ends soon",
	EventPaymentSuccess:       "Payment received for your %s subscription",
	EventPaymentFailed:        "We could not process your %s payment",
	EventSubscriptionCanceled: "Your %s subscription has been canceled",
}

// RendererOptions customizes the rendered emails
type RendererOptions struct {
	Brand      string
	SupportURL string
}

// Renderer turns events into emails. The template is chosen by event type
// alone.
type Renderer struct {
	opts RendererOptions
	html *htmltemplate.Template
	text *texttemplate.Template
}

// NewRenderer parses the embedded templates
func NewRenderer(opts RendererOptions) (*Renderer, error) {
	if opts.Brand == "" {
		opts.Brand = "BookFlow"
	}

	html, err := htmltemplate.New("email").ParseFS(templateFS, "templates/*.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse html templates: %w", err)
	}
	text, err := texttemplate.New("email").ParseFS(templateFS, "templates/*.txt.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse text templates: %w", err)
	}
	return &Renderer{opts: opts, html: html, text: text}, nil
}

type view struct {
	Brand          string
	SupportURL     string
	OrganizationID string
	SubscriptionID string
	Plan           string
	Amount         string
	Data           map[string]interface{}
}

// Render builds the email for ev
func (r *Renderer) Render(ev Event) (*Message, error) {
	if !ev.Type.Valid() {
		return nil, fmt.Errorf("no template for event type %q", ev.Type)
	}
	if ev.CustomerEmail == "" {
		return nil, fmt.Errorf("event %s for subscription %s has no recipient", ev.Type, ev.SubscriptionID)
	}

	data := Sanitize(ev.Data)
	v := view{
		Brand:          r.opts.Brand,
		SupportURL:     r.opts.SupportURL,
		OrganizationID: ev.OrganizationID,
		SubscriptionID: ev.SubscriptionID,
		Plan:           stringValue(data["planName"]),
		Amount:         FormatAmount(int64Value(data["amount"]), stringValue(data["currency"])),
		Data:           data,
	}
	if v.Plan == "" {
		v.Plan = r.opts.Brand
	}

	var html, text bytes.Buffer
	if err := r.html.ExecuteTemplate(&html, string(ev.Type)+".html.tmpl", v); err != nil {
		return nil, fmt.Errorf("failed to render %s html: %w", ev.Type, err)
	}
	if err := r.text.ExecuteTemplate(&text, string(ev.Type)+".txt.tmpl", v); err != nil {
		return nil, fmt.Errorf("failed to render %s text: %w", ev.Type, err)
	}

	subject := fmt.Sprintf(subjects[ev.Type], r.opts.Brand)
	if ev.Type == EventPaymentFailed && data["final"] == true {
		subject = fmt.Sprintf("Your %s subscription has been suspended", r.opts.Brand)
	}

	return &Message{
		To:      ev.CustomerEmail,
		Subject: subject,
		HTML:    html.String(),
		Text:    strings.TrimSpace(text.String()) + "\n",
	}, nil
}

// Sanitize returns a copy of data that is safe to put in an email: secrets
// are dropped and card numbers are reduced to their last four digits.
func Sanitize(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		key := strings.ToLower(k)
		switch {
		case strings.Contains(key, "token"),
			strings.Contains(key, "username"),
			strings.Contains(key, "tbkuser"),
			strings.Contains(key, "tbk_user"),
			strings.Contains(key, "password"),
			strings.Contains(key, "secret"):
			continue
		case strings.Contains(key, "card") && !strings.Contains(key, "brand"):
			if s, ok := v.(string); ok {
				if last4 := gateway.Last4(s); last4 != "" {
					out[k] = last4
				}
			}
			continue
		}
		if s, ok := v.(string); ok && looksLikeCardNumber(s) {
			out[k] = gateway.MaskCard(s)
			continue
		}
		out[k] = v
	}
	return out
}

// looksLikeCardNumber matches 13 to 19 digits, optionally grouped by spaces
// or dashes
func looksLikeCardNumber(s string) bool {
	digits := 0
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == ' ' || c == '-':
		default:
			return false
		}
	}
	return digits >= 13 && digits <= 19
}

// zeroDecimal lists currencies without minor units
var zeroDecimal = map[string]bool{"CLP": true, "JPY": true, "KRW": true, "PYG": true}

// FormatAmount renders an amount in minor units with thousands separators
func FormatAmount(amount int64, currency string) string {
	currency = strings.ToUpper(currency)
	if currency == "" {
		currency = "CLP"
	}
	neg := amount < 0
	if neg {
		amount = -amount
	}

	var s string
	if zeroDecimal[currency] {
		s = "$" + groupThousands(amount, ".")
	} else {
		s = fmt.Sprintf("$%s,%02d", groupThousands(amount/100, "."), amount%100)
	}
	if neg {
		s = "-" + s
	}
	return s + " " + currency
}

func groupThousands(n int64, sep string) string {
	raw := strconv.FormatInt(n, 10)
	if len(raw) <= 3 {
		return raw
	}
	var b strings.Builder
	lead := len(raw) % 3
	if lead > 0 {
		b.WriteString(raw[:lead])
	}
	for i := lead; i < len(raw); i += 3 {
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(raw[i : i+3])
	}
	return b.String()
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func int64Value(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}
