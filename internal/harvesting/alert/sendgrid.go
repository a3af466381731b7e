package alert

import (
	"context"
	"errors"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridConfig configures email alerts.
type SendGridConfig struct {
	APIKey string   `yaml:"api_key"`
	From   string   `yaml:"from"`
	To     []string `yaml:"to"`
}

// SendGridAlerter emails alerts through the SendGrid v3 API.
type SendGridAlerter struct {
	client *sendgrid.Client
	from   *mail.Email
	to     []*mail.Email
}

func NewSendGridAlerter(cfg SendGridConfig) (*SendGridAlerter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("sendgrid: api key is required")
	}
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, errors.New("sendgrid: from and to addresses are required")
	}

	to := make([]*mail.Email, 0, len(cfg.To))
	for _, addr := range cfg.To {
		to = append(to, mail.NewEmail("", addr))
	}
	return &SendGridAlerter{
		client: sendgrid.NewSendClient(cfg.APIKey),
		from:   mail.NewEmail("Permit Harvester", cfg.From),
		to:     to,
	}, nil
}

func (s *SendGridAlerter) message(a Alert) *mail.SGMailV3 {
	m := mail.NewV3Mail()
	m.SetFrom(s.from)
	m.Subject = a.Subject()

	p := mail.NewPersonalization()
	p.AddTos(s.to...)
	m.AddPersonalizations(p)
	m.AddContent(mail.NewContent("text/plain", a.Body()))
	return m
}

func (s *SendGridAlerter) Send(ctx context.Context, a Alert) error {
	resp, err := s.client.SendWithContext(ctx, s.message(a))
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid send: HTTP %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}
