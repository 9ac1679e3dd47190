// Package notify sends collection emails over SMTP.
package notify

import (
	"fmt"
	"net/smtp"
	"time"

	"github.com/jordan-wright/email"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/prestagil/prestagil/pkg/config"
)

// Sender handles sending emails via SMTP. A zero-host config disables it.
type Sender struct {
	cfg *config.SMTPConfig
	log *logrus.Logger
}

// NewSender creates a new email sender.
func NewSender(cfg *config.SMTPConfig, log *logrus.Logger) *Sender {
	return &Sender{cfg: cfg, log: log}
}

// Enabled reports whether SMTP is configured.
func (s *Sender) Enabled() bool {
	return s.cfg.Host != ""
}

// SendOverdueNotice notifies a client that an installment is past due.
func (s *Sender) SendOverdueNotice(to, clientName string, installment int, dueDate time.Time, remaining decimal.Decimal) error {
	if !s.Enabled() {
		return nil
	}

	e := email.NewEmail()
	e.From = s.cfg.From
	e.To = []string{to}
	e.Subject = "Overdue installment notice"
	e.Text = []byte(fmt.Sprintf(
		"Dear %s,\n\n"+
			"Installment #%d of your loan was due on %s and remains unpaid.\n"+
			"Outstanding amount on this installment: %s.\n"+
			"Please contact your collector to arrange payment.\n"+
			"\nPrestagil",
		clientName, installment, dueDate.Format("2006-01-02"), remaining.StringFixed(2),
	))

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	if err := e.Send(addr, auth); err != nil {
		s.log.WithError(err).WithField("to", to).Error("failed to send overdue notice")
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.log.WithField("to", to).Info("overdue notice sent")
	return nil
}

// SendPaymentReceipt confirms a received payment to the client.
func (s *Sender) SendPaymentReceipt(to, clientName string, amount, outstanding decimal.Decimal, paidAt time.Time) error {
	if !s.Enabled() {
		return nil
	}

	e := email.NewEmail()
	e.From = s.cfg.From
	e.To = []string{to}
	e.Subject = "Payment received"
	e.Text = []byte(fmt.Sprintf(
		"Dear %s,\n\n"+
			"We received your payment of %s on %s.\n"+
			"Remaining loan principal: %s.\n"+
			"\nPrestagil",
		clientName, amount.StringFixed(2), paidAt.Format("2006-01-02 15:04"), outstanding.StringFixed(2),
	))

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	if err := e.Send(addr, auth); err != nil {
		s.log.WithError(err).WithField("to", to).Error("failed to send payment receipt")
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.log.WithField("to", to).Info("payment receipt sent")
	return nil
}
