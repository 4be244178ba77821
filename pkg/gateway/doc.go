// Package gateway isolates the Transbank payment provider behind small
// capability interfaces.
//
// Transactions covers Webpay Plus one-time payments, Inscriptions covers
// OneClick card tokenization and Charger charges a previously inscribed
// card. The billing orchestrator depends on Charger only.
//
// Every provider response is decoded into a generic map and normalized
// into one canonical struct, accepting both snake_case and camelCase keys.
// Transport failures, non-2xx responses and malformed bodies are returned
// as *GatewayError. A declined charge is not an error: it is a ChargeResult
// with Success false and the provider's response code.
//
//	client, err := gateway.NewTransbankClient(gateway.Config{
//		Environment: gateway.Integration,
//	}, gateway.WithMetrics(metrics))
//	result, err := client.ChargeInscribedCard(ctx, username, tbkUser, buyOrder, 12990)
package gateway
