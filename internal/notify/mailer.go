// Package notify adapts bucket outcomes to operator-facing mail and chat
// messages. No third-party mail or chat client appears anywhere in the
// example pack, so these adapters are built on net/smtp and a plain
// http.Client webhook poster — see DESIGN.md.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
)

// Mailer sends the three mail shapes the Build Executor and Failure
// Envelope need.
type Mailer interface {
	// FailureMessage notifies the admin that a bucket failed.
	FailureMessage(ctx context.Context, project, bucket, errorLog, guiURL string) error
	// FixedMessage notifies the admin that a previously-failing bucket
	// has recovered.
	FixedMessage(ctx context.Context, project, bucket, guiURL string) error
	// DCCMessage is the Failure Envelope's operator alert: subject, the
	// current peer's URI, the known leader URI, and an error report.
	DCCMessage(ctx context.Context, subject, selfURI, leaderURI, report string) error
}

// SMTPMailer sends mail through a plain SMTP relay.
type SMTPMailer struct {
	Host string
	Port int
	From string
	To   string
}

// NewSMTPMailer constructs a Mailer that relays through host:port.
func NewSMTPMailer(host string, port int, from, to string) *SMTPMailer {
	return &SMTPMailer{Host: host, Port: port, From: from, To: to}
}

func (m *SMTPMailer) FailureMessage(ctx context.Context, project, bucket, errorLog, guiURL string) error {
	subject := fmt.Sprintf("[%s] %s failed", project, bucket)
	body := fmt.Sprintf("Bucket %s of project %s failed.\n\n%s\n\n%s", bucket, project, errorLog, guiURL)
	return m.send(subject, body)
}

func (m *SMTPMailer) FixedMessage(ctx context.Context, project, bucket, guiURL string) error {
	subject := fmt.Sprintf("[%s] %s fixed", project, bucket)
	body := fmt.Sprintf("Bucket %s of project %s recovered.\n\n%s", bucket, project, guiURL)
	return m.send(subject, body)
}

func (m *SMTPMailer) DCCMessage(ctx context.Context, subject, selfURI, leaderURI, report string) error {
	body := fmt.Sprintf("peer: %s\nknown leader: %s\n\n%s", selfURI, leaderURI, report)
	return m.send(subject, body)
}

func (m *SMTPMailer) send(subject, body string) error {
	if m.To == "" {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", m.Host, m.Port)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", m.From, m.To, subject, body)
	return smtp.SendMail(addr, nil, m.From, []string{m.To}, []byte(msg))
}
