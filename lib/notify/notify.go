package notify

import (
	"fmt"
	"net/smtp"

	"github.com/jordan-wright/email"
)

type Config struct {
	Enabled  bool     `json:"enabled"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	From     string   `json:"from"`
	To       []string `json:"to"`
}

type Mailer struct {
	cfg Config
}

func New(cfg Config) *Mailer {
	return &Mailer{cfg: cfg}
}

// SendRunSummary mails a plain-text summary of a claim run. A disabled
// config makes this a no-op so callers never need to branch.
func (m *Mailer) SendRunSummary(subject, body string) error {
	if !m.cfg.Enabled {
		return nil
	}

	e := email.NewEmail()
	e.From = m.cfg.From
	e.To = m.cfg.To
	e.Subject = subject
	e.Text = []byte(body)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	return e.Send(addr, auth)
}
