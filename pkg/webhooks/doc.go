// Package webhooks delivers signed JSON events to an HTTP endpoint.
//
// Each request carries:
//
//	X-BookFlow-Event:     event type
//	X-BookFlow-Event-ID:  event id
//	X-BookFlow-Delivery:  RFC 3339 send time
//	X-BookFlow-Signature: sha256=<hex HMAC-SHA256 of the body> (when a secret is set)
//
// Receivers verify the body with VerifySignature. Failed deliveries are
// retried with the exponential backoff from package retry; 4xx responses
// other than 429 are treated as permanent.
package webhooks
