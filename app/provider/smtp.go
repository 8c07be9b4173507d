package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
	"gopkg.in/mail.v2"
)

const dialTimeout = 10 * time.Second

// SMTPProvider relays raw messages to one SMTP server.
type SMTPProvider struct {
	settings entity.DeliverySettings
	dialer   *mail.Dialer
}

// NewSMTPProvider validates settings and prepares a dialer. Unsupported
// authentication is reported here, before any connection is attempted.
func NewSMTPProvider(settings entity.DeliverySettings) (*SMTPProvider, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	d := mail.NewDialer(settings.Address, settings.Port, "", "")
	d.LocalName = settings.Domain
	d.Timeout = dialTimeout
	d.RetryFailure = false
	if settings.EnableStartTLSAuto {
		d.StartTLSPolicy = mail.OpportunisticStartTLS
	} else {
		d.StartTLSPolicy = mail.NoStartTLS
	}
	if settings.UsesPlainAuth() {
		d.Username = settings.UserName
		d.Password = settings.Password
		d.Auth = plainAuth{username: settings.UserName, password: settings.Password}
	}

	return &SMTPProvider{settings: settings, dialer: d}, nil
}

// Send runs one SMTP conversation. STARTTLS is negotiated whenever the server
// offers it unless EnableStartTLSAuto is off.
func (p *SMTPProvider) Send(ctx context.Context, env Envelope) error {
	if len(env.To) == 0 {
		return errors.New("recipient is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sc, err := p.dialer.Dial()
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", p.addr(), err)
	}
	defer sc.Close()

	if err := sc.Send(env.From, env.To, bytes.NewReader(env.Message)); err != nil {
		return fmt.Errorf("smtp send via %s: %w", p.addr(), err)
	}
	return nil
}

func (p *SMTPProvider) addr() string {
	return net.JoinHostPort(p.settings.Address, strconv.Itoa(p.settings.Port))
}

func (p *SMTPProvider) Name() string {
	return "smtp"
}

// plainAuth is AUTH PLAIN without net/smtp's TLS requirement. Whether the
// session is encrypted is decided by the dialer's StartTLSPolicy.
type plainAuth struct {
	username string
	password string
}

func (a plainAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.username + "\x00" + a.password), nil
}

func (a plainAuth) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		return nil, errors.New("unexpected server challenge")
	}
	return nil, nil
}
