package notify

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSMTPServer speaks just enough SMTP to accept one message per
// connection
type fakeSMTPServer struct {
	listener net.Listener
	mu       sync.Mutex
	rcpt     []string
	data     []string
	wg       sync.WaitGroup
}

func newFakeSMTPServer(t *testing.T) *fakeSMTPServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSMTPServer{listener: l}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		l.Close()
		s.wg.Wait()
	})
	return s
}

func (s *fakeSMTPServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *fakeSMTPServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.handle(conn)
	}
}

func (s *fakeSMTPServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { conn.Write([]byte(line + "\r\n")) }

	reply("220 localhost ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250-localhost")
			reply("250 8BITMIME")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			reply("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO"):
			s.mu.Lock()
			s.rcpt = append(s.rcpt, strings.TrimSpace(line[len("RCPT TO:"):]))
			s.mu.Unlock()
			reply("250 OK")
		case cmd == "DATA":
			reply("354 End data with <CR><LF>.<CR><LF>")
			var body strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				body.WriteString(l)
			}
			s.mu.Lock()
			s.data = append(s.data, body.String())
			s.mu.Unlock()
			reply("250 OK queued")
		case cmd == "QUIT":
			reply("221 Bye")
			return
		default:
			reply("502 Command not implemented")
		}
	}
}

func TestSMTPProvider_Send(t *testing.T) {
	server := newFakeSMTPServer(t)
	p, err := NewSMTPProvider(SMTPConfig{
		Host:     "127.0.0.1",
		Port:     server.port(),
		From:     "billing@bookflow.cl",
		FromName: "BookFlow Facturación",
	}, nil)
	require.NoError(t, err)

	res := p.Send(context.Background(), Message{
		To:      "owner@salon.cl",
		Subject: "Pago recibido",
		HTML:    "<p>Gracias</p>",
		Text:    "Gracias",
	})
	require.True(t, res.Success, res.Error)
	assert.True(t, strings.HasSuffix(res.MessageID, "@bookflow.cl>"))

	server.mu.Lock()
	defer server.mu.Unlock()
	assert.Equal(t, []string{"<owner@salon.cl>"}, server.rcpt)
	require.Len(t, server.data, 1)
	body := server.data[0]
	assert.Contains(t, body, "To: owner@salon.cl")
	assert.Contains(t, body, "multipart/alternative")
	assert.Contains(t, body, "<p>Gracias</p>")
	assert.Contains(t, body, "text/plain")
	assert.Contains(t, body, "=?utf-8?q?BookFlow_Facturaci=C3=B3n?=")
}

func TestSMTPProvider_DialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	p, err := NewSMTPProvider(SMTPConfig{Host: "127.0.0.1", Port: port, From: "billing@bookflow.cl"}, nil)
	require.NoError(t, err)

	res := p.Send(context.Background(), Message{To: "owner@salon.cl", Subject: "x", Text: "x"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "smtp dial failed")
}

func TestNewSMTPProvider_Validation(t *testing.T) {
	_, err := NewSMTPProvider(SMTPConfig{}, nil)
	assert.Error(t, err)

	_, err = NewSMTPProvider(SMTPConfig{Host: "smtp.example.com"}, nil)
	assert.Error(t, err)

	p, err := NewSMTPProvider(SMTPConfig{Host: "smtp.example.com", Username: "billing@bookflow.cl"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "billing@bookflow.cl", p.config.From)
	assert.Equal(t, 587, p.config.Port)
	assert.Equal(t, "smtp.example.com:"+strconv.Itoa(587), p.addr())
}
