// Package mail delivers the account e-mails: verification link, password
// reset link and password-changed notice.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"gopkg.in/gomail.v2"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// sender is satisfied by *gomail.Dialer.
type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPMailer struct {
	from   string
	sender sender
}

func NewSMTPMailer(cfg *Config) *SMTPMailer {
	return &SMTPMailer{
		from:   cfg.From,
		sender: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

var (
	verificationTmpl = template.Must(template.New("verification").Parse(
		`<h1>Click <a href="{{.Link}}">here</a> to verify your email</h1>`))
	resetLinkTmpl = template.Must(template.New("reset").Parse(
		`<h1>Please click on <a href="{{.Link}}">here</a> to update your password.</h1>`))
	passwordUpdatedTmpl = template.Must(template.New("updated").Parse(
		`<h1>Your password is updated, you can use your new password now.</h1>`))
)

func (m *SMTPMailer) SendVerificationMail(ctx context.Context, to, link string) error {
	return m.send(ctx, to, "Verify your email", verificationTmpl, link)
}

func (m *SMTPMailer) SendPasswordResetLink(ctx context.Context, to, link string) error {
	return m.send(ctx, to, "Reset your password", resetLinkTmpl, link)
}

func (m *SMTPMailer) SendPasswordUpdateMessage(ctx context.Context, to string) error {
	return m.send(ctx, to, "Your password was updated", passwordUpdatedTmpl, "")
}

func (m *SMTPMailer) send(ctx context.Context, to, subject string, tmpl *template.Template, link string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, struct{ Link string }{link}); err != nil {
		return fmt.Errorf("render %s mail: %w", tmpl.Name(), err)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body.String())

	if err := m.sender.DialAndSend(msg); err != nil {
		return fmt.Errorf("send %s mail to %s: %w", tmpl.Name(), to, err)
	}
	return nil
}
