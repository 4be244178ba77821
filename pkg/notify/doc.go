// Package notify renders billing lifecycle emails and sends them.
//
// Each Event type maps to one HTML and one plaintext template embedded from
// templates/. Every email names the organization and subscription it is
// about so support can trace it. Event data passes through Sanitize first:
// tokens and usernames are dropped and card numbers are cut to the last
// four digits.
//
// Providers:
//
//   - SMTPProvider: net/smtp with STARTTLS, or implicit TLS on port 465
//   - LogProvider: logs recipient and subject only, for dry runs
//
// Dispatcher.SendBillingNotifications sends a batch. A failed event is
// counted and reported without stopping the rest.
package notify
