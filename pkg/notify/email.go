package notify

import (
	"fmt"
	"log/slog"
	"net/smtp"
	"os"
)

type EmailService struct {
	host     string
	port     string
	username string
	password string
	from     string
}

func NewEmailService() *EmailService {
	return &EmailService{
		host:     os.Getenv("SMTP_HOST"),
		port:     os.Getenv("SMTP_PORT"),
		username: os.Getenv("SMTP_USER"),
		password: os.Getenv("SMTP_PASS"),
		from:     os.Getenv("SMTP_FROM"),
	}
}

func (s *EmailService) SendLoanReceipt(to, readerName, bookTitle, action string) error {
	if s.host == "" {
		slog.Warn("SMTP not configured, skipping email receipt", "to", to)
		return nil
	}

	subject := "Subject: Library receipt: " + bookTitle + "\r\n"
	mime := "MIME-version: 1.0;\r\nContent-Type: text/html; charset=\"UTF-8\";\r\n\r\n"
	body := fmt.Sprintf(`
		<h3>Dear %s,</h3>
		<p>The book <strong>%s</strong> has been <strong>%s</strong> on your account.</p>
		<hr>
		<p>Library Circulation Tracker, automated message</p>
	`, readerName, bookTitle, action)

	msg := []byte(subject + mime + body)
	auth := smtp.PlainAuth("", s.username, s.password, s.host)

	err := smtp.SendMail(s.host+":"+s.port, auth, s.from, []string{to}, msg)
	if err != nil {
		slog.Error("failed to send email", "error", err)
		return err
	}

	slog.Info("loan receipt sent", "to", to, "book", bookTitle, "action", action)
	return nil
}
