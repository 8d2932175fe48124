// Package pubnub pushes envelopes to per-recipient PubNub channels so mobile
// clients that are not holding a realtime connection still get offers and
// session notices.
package pubnub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cafe/dispatch-service/internal/notify"

	pubnubgo "github.com/pubnub/go/v7"
)

type Config struct {
	PublishKey   string
	SubscribeKey string
	SecretKey    string
	UserID       string
}

type sender interface {
	send(ctx context.Context, channel, message string) error
}

type Publisher struct {
	sender sender
}

var _ notify.Publisher = (*Publisher)(nil)

func New(cfg Config) (*Publisher, error) {
	if cfg.PublishKey == "" || cfg.SubscribeKey == "" {
		return nil, fmt.Errorf("pubnub: publish and subscribe keys are required")
	}
	userID := cfg.UserID
	if userID == "" {
		userID = "dispatch-service"
	}
	pnCfg := pubnubgo.NewConfigWithUserId(pubnubgo.UserId(userID))
	pnCfg.PublishKey = cfg.PublishKey
	pnCfg.SubscribeKey = cfg.SubscribeKey
	pnCfg.SecretKey = cfg.SecretKey
	return &Publisher{sender: &client{pn: pubnubgo.NewPubNub(pnCfg)}}, nil
}

func (p *Publisher) Publish(ctx context.Context, env notify.Envelope) error {
	message, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := p.sender.send(ctx, ChannelName(env.Recipient), string(message)); err != nil {
		return fmt.Errorf("%w: pubnub publish %s: %v", notify.ErrTransportFailure, env.Type, err)
	}
	return nil
}

// ChannelName maps a recipient to a PubNub channel, replacing characters
// PubNub reserves for wildcards and channel groups.
func ChannelName(to notify.Recipient) string {
	replacer := strings.NewReplacer(".", "_", ",", "_", ":", "_", "*", "_", "/", "_", "\\", "_")
	return fmt.Sprintf("channel-%s-%s", replacer.Replace(to.Kind), replacer.Replace(to.ID))
}

type client struct {
	pn *pubnubgo.PubNub
}

func (c *client) send(ctx context.Context, channel, message string) error {
	_, _, err := c.pn.PublishWithContext(ctx).Channel(channel).Message(message).Execute()
	return err
}
