package notify_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	mail "github.com/wneessen/go-mail"

	"github.com/openmc/dropwatch/internal/model"
	"github.com/openmc/dropwatch/internal/notify"
	"github.com/stretchr/testify/require"
)

// memKV keeps JSON encoded values like the sqlite store does.
type memKV map[string]any

func (m memKV) Get(_ context.Context, key string, dst any) (bool, error) {
	v, ok := m[key]
	if !ok {
		return false, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return true, err
	}
	return true, json.Unmarshal(b, dst)
}

func (m memKV) Set(_ context.Context, key string, v any) error {
	m[key] = v
	return nil
}

func (m memKV) Delete(_ context.Context, key string) error {
	delete(m, key)
	return nil
}

// smtpServer accepts one session at a time and records DATA payloads.
type smtpServer struct {
	ln   net.Listener
	wg   sync.WaitGroup
	mx   sync.Mutex
	data []string
}

func newSMTPServer(t *testing.T) *smtpServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &smtpServer{ln: ln}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *smtpServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *smtpServer) messages() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]string(nil), s.data...)
}

func (s *smtpServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.session(conn)
	}
}

func (s *smtpServer) session(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	reply := func(line string) {
		_, _ = conn.Write([]byte(line + "\r\n"))
	}
	reply("220 localhost ESMTP test")
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
		case cmd == "DATA":
			reply("354 go ahead")
			var sb strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				sb.WriteString(l)
			}
			s.mx.Lock()
			s.data = append(s.data, sb.String())
			s.mx.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 ok")
		}
	}
}

func TestEmailMessage(t *testing.T) {
	t.Parallel()
	n := notify.Notification{
		Title:    "dropwatch",
		Message:  "Scheduled monitoring for \"Foo\" failed: <timeout>",
		Severity: model.SeverityError,
		Time:     time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	}
	m, err := notify.EmailMessage("sniper@example.com", "me@example.com", n)
	require.NoError(t, err)
	require.Equal(t, []string{"dropwatch - ERROR"}, m.GetGenHeader(mail.HeaderSubject))
	rcpts, err := m.GetRecipients()
	require.NoError(t, err)
	require.Equal(t, []string{"<me@example.com>"}, rcpts)

	_, err = notify.EmailMessage("sniper@example.com", "not an address", n)
	require.Error(t, err)
}

func TestEmailNotConfigured(t *testing.T) {
	t.Parallel()
	e := notify.NewEmail(notify.SMTPFromKV(memKV{}))
	settings := model.NotificationSettings{EmailEnabled: true, EmailAddress: "me@example.com"}
	require.True(t, e.Enabled(settings))
	err := e.Send(t.Context(), settings, notify.Notification{Title: "t", Message: "m", Severity: model.SeverityInfo})
	require.ErrorIs(t, err, notify.ErrSMTPNotConfigured)
}

func TestEmailSend(t *testing.T) {
	t.Parallel()
	srv := newSMTPServer(t)
	kv := memKV{model.KeySMTPSettings: model.SMTPSettings{
		Host:    "127.0.0.1",
		Port:    srv.port(),
		From:    "sniper@example.com",
		Timeout: 5 * time.Second,
	}}
	e := notify.NewEmail(notify.SMTPFromKV(kv))
	settings := model.NotificationSettings{EmailEnabled: true, EmailAddress: "me@example.com"}
	err := e.Send(t.Context(), settings, notify.Notification{
		Title:    "dropwatch",
		Message:  "Username Foo is now available!",
		Severity: model.SeveritySuccess,
		Time:     time.Now(),
	})
	require.NoError(t, err)

	msgs := srv.messages()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "Subject: dropwatch - SUCCESS")
	require.Contains(t, msgs[0], "Username Foo is now available!")
	require.Contains(t, msgs[0], "text/html")
}

func TestEmailDefaultSender(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    model.SMTPSettings
		then     string
	}{
		{scenario: "from", given: model.SMTPSettings{From: "sniper@example.com"}, then: "<sniper@example.com>"},
		{scenario: "anonymous", given: model.SMTPSettings{}, then: "<noreply@127.0.0.1>"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			srv := newSMTPServer(t)
			cfg := tc.given
			cfg.Host = "127.0.0.1"
			cfg.Port = srv.port()
			cfg.Timeout = 5 * time.Second
			e := notify.NewEmail(notify.SMTPFromKV(memKV{model.KeySMTPSettings: cfg}))
			settings := model.NotificationSettings{EmailEnabled: true, EmailAddress: "me@example.com"}
			err := e.Send(t.Context(), settings, notify.Notification{Title: "dropwatch", Message: "m", Severity: model.SeverityInfo})
			require.NoError(t, err)
			msgs := srv.messages()
			require.Len(t, msgs, 1)
			require.Contains(t, msgs[0], "From: "+tc.then)
		})
	}
}
