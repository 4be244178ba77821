package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/bookflow/pkg/observability"
)

// SMTPConfig configures an SMTPProvider. Port 465 uses implicit TLS, any
// other port upgrades with STARTTLS when the server offers it.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	Timeout  time.Duration
}

// SMTPProvider delivers messages over SMTP
type SMTPProvider struct {
	config SMTPConfig
	logger *observability.Logger
	// dial is replaced in tests
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

var _ Provider = (*SMTPProvider)(nil)

// NewSMTPProvider creates an SMTP provider
func NewSMTPProvider(cfg SMTPConfig, logger *observability.Logger) (*SMTPProvider, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp sender address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	p := &SMTPProvider{config: cfg, logger: logger}
	p.dial = p.dialServer
	return p, nil
}

func (p *SMTPProvider) addr() string {
	return net.JoinHostPort(p.config.Host, strconv.Itoa(p.config.Port))
}

func (p *SMTPProvider) implicitTLS() bool {
	return p.config.Port == 465
}

func (p *SMTPProvider) dialServer(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.config.Timeout}
	if p.implicitTLS() {
		return (&tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: p.config.Host}}).DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Send delivers msg and reports the outcome. It never panics on provider
// failures.
func (p *SMTPProvider) Send(ctx context.Context, msg Message) SendResult {
	messageID := p.newMessageID()
	body, err := p.build(msg, messageID)
	if err != nil {
		return SendResult{Error: err.Error()}
	}

	if err := p.deliver(ctx, msg.To, body); err != nil {
		p.logger.WithError(err).WithField("to", msg.To).Warn("SMTP delivery failed")
		return SendResult{Error: err.Error()}
	}
	return SendResult{Success: true, MessageID: messageID}
}

func (p *SMTPProvider) deliver(ctx context.Context, to string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	conn, err := p.dial(ctx, p.addr())
	if err != nil {
		return fmt.Errorf("smtp dial failed: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, p.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client failed: %w", err)
	}
	defer client.Close()

	if !p.implicitTLS() {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: p.config.Host}); err != nil {
				return fmt.Errorf("STARTTLS failed: %w", err)
			}
		}
	}

	if p.config.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", p.config.Username, p.config.Password, p.config.Host)
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("auth failed: %w", err)
			}
		}
	}

	if err := client.Mail(p.config.From); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO failed: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}
	return client.Quit()
}

// build renders a multipart/alternative message with text and HTML parts
func (p *SMTPProvider) build(msg Message, messageID string) ([]byte, error) {
	if msg.To == "" {
		return nil, fmt.Errorf("message has no recipient")
	}

	var buf strings.Builder
	from := p.config.From
	if p.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", p.config.FromName), p.config.From)
	}

	mw := multipart.NewWriter(&buf)
	header := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMessage-ID: %s\r\nDate: %s\r\nMIME-Version: 1.0\r\nContent-Type: multipart/alternative; boundary=%q\r\n\r\n",
		from, msg.To, mime.QEncoding.Encode("utf-8", msg.Subject), messageID,
		time.Now().UTC().Format(time.RFC1123Z), mw.Boundary())

	for _, part := range []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=\"utf-8\"", msg.Text},
		{"text/html; charset=\"utf-8\"", msg.HTML},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.contentType},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(part.content)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return []byte(header + buf.String()), nil
}

func (p *SMTPProvider) newMessageID() string {
	domain := p.config.Host
	if at := strings.LastIndex(p.config.From, "@"); at >= 0 {
		domain = p.config.From[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
