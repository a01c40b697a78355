package notify

import (
	"fmt"

	"github.com/gregdel/pushover"
	"github.com/sirupsen/logrus"
)

const (
	PriorityNormal = 0
	PriorityHigh   = 1
)

type Notifier struct {
	app       *pushover.Pushover
	recipient *pushover.Recipient
	logger    *logrus.Logger
}

func NewNotifier(token, userKey string, logger *logrus.Logger) *Notifier {
	return &Notifier{
		app:       pushover.New(token),
		recipient: pushover.NewRecipient(userKey),
		logger:    logger,
	}
}

func (n *Notifier) Send(title, message string) error {
	return n.SendWithPriority(title, message, PriorityNormal)
}

func (n *Notifier) SendWithPriority(title, message string, priority int) error {
	msg := pushover.NewMessageWithTitle(message, title)
	msg.Priority = priority

	resp, err := n.app.SendMessage(msg, n.recipient)
	if err != nil {
		return fmt.Errorf("sending pushover notification: %w", err)
	}

	n.logger.WithFields(logrus.Fields{
		"title":      title,
		"status":     resp.Status,
		"request_id": resp.ID,
	}).Debug("notification sent")

	return nil
}

func (n *Notifier) SendCommuteUpdate(lines, leaveBy, arrival string, totalMinutes, transfers int) error {
	title := "Commute Update"
	body := fmt.Sprintf("Take the %s at %s, arrive %s.\n%d minutes door to door, %d transfers",
		lines, leaveBy, arrival, totalMinutes, transfers)
	return n.Send(title, body)
}

func (n *Notifier) SendServiceAlert(header, severity string) error {
	title := "Subway Service Alert"
	priority := PriorityNormal
	if severity == "severe" {
		priority = PriorityHigh
	}
	return n.SendWithPriority(title, fmt.Sprintf("[%s] %s", severity, header), priority)
}

func (n *Notifier) SendNoRoutes(origin, destination string) error {
	title := "No Routes Available"
	body := fmt.Sprintf("No feasible routes from %s to %s right now", origin, destination)
	return n.SendWithPriority(title, body, PriorityHigh)
}
