package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/natsclient"
	"github.com/c360/growplane/types"
)

// NATSNotifier implements Notifier by publishing fired alerts to
// notify.<channel>. Channel bridges (pager, email, chat) subscribe there;
// the control plane never talks to them directly.
type NATSNotifier struct {
	client *natsclient.Client
}

// NewNATSNotifier creates a notifier over the given client.
func NewNATSNotifier(client *natsclient.Client) *NATSNotifier {
	return &NATSNotifier{client: client}
}

// notification is the wire form consumed by channel bridges.
type notification struct {
	Channel  string              `json:"channel"`
	Instance types.AlertInstance `json:"instance"`
	SentAt   time.Time           `json:"sent_at"`
}

// Send implements Notifier
func (n *NATSNotifier) Send(ctx context.Context, channel string, instance types.AlertInstance) error {
	subject := fmt.Sprintf("notify.%s", channel)

	data, err := json.Marshal(notification{
		Channel:  channel,
		Instance: instance,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return errors.WrapInvalid(err, "NATSNotifier", "Send", "encode notification")
	}

	if err := n.client.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "NATSNotifier", "Send", subject)
	}
	return nil
}
