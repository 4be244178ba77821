package gateway

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// fields is a decoded provider response. Lookups accept the snake_case key
// and fall back to its camelCase spelling.
type fields map[string]interface{}

func decodeFields(body []byte) (fields, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return fields{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var out map[string]interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return fields(out), nil
}

func camelCase(snake string) string {
	parts := strings.Split(snake, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

func (f fields) lookup(key string) (interface{}, bool) {
	if f == nil {
		return nil, false
	}
	if v, ok := f[key]; ok && v != nil {
		return v, true
	}
	if v, ok := f[camelCase(key)]; ok && v != nil {
		return v, true
	}
	return nil, false
}

func (f fields) str(key string) string {
	v, ok := f.lookup(key)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// num returns the integral value at key. ok is false when the key is
// absent, not a number or has a fractional part, which callers must treat
// as a non-zero response code.
func (f fields) num(key string) (int64, bool) {
	v, present := f.lookup(key)
	if !present {
		return 0, false
	}
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if fl, err := t.Float64(); err == nil {
			return wholeNumber(fl)
		}
	case float64:
		return wholeNumber(t)
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func wholeNumber(fl float64) (int64, bool) {
	if math.IsNaN(fl) || math.IsInf(fl, 0) || math.Trunc(fl) != fl {
		return 0, false
	}
	if fl < math.MinInt64 || fl >= math.MaxInt64 {
		return 0, false
	}
	return int64(fl), true
}

func (f fields) obj(key string) fields {
	v, ok := f.lookup(key)
	if !ok {
		return nil
	}
	if m, ok := v.(map[string]interface{}); ok {
		return fields(m)
	}
	return nil
}

func (f fields) list(key string) []fields {
	v, ok := f.lookup(key)
	if !ok {
		return nil
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]fields, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, fields(m))
		}
	}
	return out
}

// responseCode returns the provider code, or -1 when it is missing
func (f fields) responseCode() int64 {
	if code, ok := f.num("response_code"); ok {
		return code
	}
	return -1
}

func normalizeRedirect(f fields) *Redirect {
	url := f.str("url")
	if url == "" {
		url = f.str("url_webpay")
	}
	return &Redirect{Token: f.str("token"), URL: url}
}

func normalizeConfirmation(f fields) *Confirmation {
	status := f.str("status")
	amount, _ := f.num("amount")
	return &Confirmation{
		Authorized:        status == StatusAuthorized,
		Status:            status,
		ResponseCode:      f.responseCode(),
		AuthorizationCode: f.str("authorization_code"),
		BuyOrder:          f.str("buy_order"),
		SessionID:         f.str("session_id"),
		Amount:            amount,
		CardLast4:         Last4(f.obj("card_detail").str("card_number")),
		PaymentType:       f.str("payment_type_code"),
		TransactionDate:   f.str("transaction_date"),
	}
}

func normalizeInscription(f fields) *InscriptionResult {
	code := f.responseCode()
	return &InscriptionResult{
		Success:           code == 0,
		ResponseCode:      code,
		CardToken:         f.str("tbk_user"),
		AuthorizationCode: f.str("authorization_code"),
		CardBrand:         f.str("card_type"),
		MaskedCardNumber:  MaskCard(f.str("card_number")),
	}
}

// normalizeCharge maps a OneClick Mall authorize response. The outcome of
// the single child transaction decides success; a response without details
// falls back to top-level fields.
func normalizeCharge(f fields, orderID string) *ChargeResult {
	detail := f
	if details := f.list("details"); len(details) > 0 {
		detail = details[0]
	}

	code := detail.responseCode()
	amount, _ := detail.num("amount")
	buyOrder := f.str("buy_order")
	if buyOrder == "" {
		buyOrder = orderID
	}

	return &ChargeResult{
		Success:           code == 0,
		ResponseCode:      code,
		Status:            detail.str("status"),
		AuthorizationCode: detail.str("authorization_code"),
		OrderID:           buyOrder,
		Amount:            amount,
		CardLast4:         Last4(f.obj("card_detail").str("card_number")),
		TransactionDate:   f.str("transaction_date"),
	}
}
