package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/hotelkey/keyservice/internal/apperr"
	"github.com/hotelkey/keyservice/internal/model"
)

// WebPushConfig holds VAPID configuration.
type WebPushConfig struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
	Timeout    time.Duration
}

// WebPushGateway notifies devices that registered a Web Push subscription
// (JSON-encoded) as their push token.
type WebPushGateway struct {
	publicKey  string
	privateKey string
	subscriber string
	client     *http.Client
}

func NewWebPushGateway(cfg WebPushConfig) *WebPushGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebPushGateway{
		publicKey:  cfg.PublicKey,
		privateKey: cfg.PrivateKey,
		subscriber: cfg.Subscriber,
		client:     &http.Client{Timeout: timeout},
	}
}

// VAPIDPublicKey returns the VAPID public key for client-side subscription.
func (g *WebPushGateway) VAPIDPublicKey() string {
	return g.publicKey
}

type updatePayload struct {
	Type       string `json:"type"`
	PassTypeID string `json:"pass_type_id"`
	Serial     string `json:"serial"`
}

func (g *WebPushGateway) Send(ctx context.Context, reg model.DeviceRegistration) error {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(reg.PushToken), &sub); err != nil || sub.Endpoint == "" {
		// An unparseable subscription can never be delivered to.
		return ErrGone
	}
	data, err := json.Marshal(updatePayload{Type: "pass_updated", PassTypeID: reg.PassTypeID, Serial: reg.Serial})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, data, &sub, &webpush.Options{
		HTTPClient:      g.client,
		VAPIDPublicKey:  g.publicKey,
		VAPIDPrivateKey: g.privateKey,
		Subscriber:      g.subscriber,
		TTL:             86400,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return &apperr.DeliveryError{Channel: "webpush", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		return ErrGone
	}
	if resp.StatusCode >= 400 {
		return &apperr.DeliveryError{Channel: "webpush", Err: fmt.Errorf("push service returned %d", resp.StatusCode)}
	}
	return nil
}

// GenerateVAPIDKeys generates a new ECDSA P-256 key pair for VAPID.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	pubBytes := elliptic.Marshal(elliptic.P256(), key.PublicKey.X, key.PublicKey.Y)
	publicKey = base64.RawURLEncoding.EncodeToString(pubBytes)
	privateKey = base64.RawURLEncoding.EncodeToString(key.D.FillBytes(make([]byte, 32)))

	return publicKey, privateKey, nil
}
