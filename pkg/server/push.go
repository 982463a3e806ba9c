package server

import (
	"encoding/json"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/straycat/straycat/pkg/database"
)

// PushService delivers web-push notifications with the server's VAPID key
// pair. Delivery is always best-effort.
type PushService struct {
	publicKey  string
	privateKey string
	subscriber string
}

// NewPushService returns a service signing with the given VAPID keys.
// subscriber is the contact address sent to push endpoints.
func NewPushService(publicKey, privateKey, subscriber string) *PushService {
	return &PushService{
		publicKey:  publicKey,
		privateKey: privateKey,
		subscriber: subscriber,
	}
}

// PublicKey returns the VAPID public key clients subscribe with.
func (p *PushService) PublicKey() string {
	return p.publicKey
}

// Send pushes one JSON payload to a stored subscription.
func (p *PushService) Send(sub database.PushSubscription, content map[string]any) error {
	payload, err := json.Marshal(content)
	if err != nil {
		return err
	}

	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Key,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      p.subscriber,
		VAPIDPublicKey:  p.publicKey,
		VAPIDPrivateKey: p.privateKey,
		TTL:             60,
	})
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
