package notify

import (
	"fmt"
	"log/slog"
)

// Notifier defines the interface for sending circulation notifications
type Notifier interface {
	SendLoanReceipt(toEmail string, readerName string, bookTitle string, action string) error
}

// LogNotifier is a stub implementation that logs notifications to stdout
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) SendLoanReceipt(toEmail string, readerName string, bookTitle string, action string) error {
	// In a real implementation, this would use smtp.SendMail or an API like SendGrid
	slog.Info("Sending Notification",
		"type", "email",
		"to", toEmail,
		"subject", fmt.Sprintf("Library receipt: %s", bookTitle),
		"body", fmt.Sprintf("Dear %s, the book '%s' has been %s on your account.", readerName, bookTitle, action),
	)
	return nil
}
