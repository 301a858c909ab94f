package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hotelkey/keyservice/internal/apperr"
	"github.com/hotelkey/keyservice/internal/model"
	"github.com/patrickmn/go-cache"
)

const (
	apnsProductionHost  = "https://api.push.apple.com"
	apnsDevelopmentHost = "https://api.development.push.apple.com"

	// Provider tokens are rejected after an hour and throttled if refreshed
	// more than every twenty minutes.
	providerTokenTTL = 50 * time.Minute
	providerTokenKey = "provider"
)

// APNsConfig holds the token-based APNs credentials.
type APNsConfig struct {
	KeyPath    string
	KeyID      string
	TeamID     string
	Production bool
	Timeout    time.Duration
}

// APNsGateway sends empty background pushes that make wallet devices fetch
// the latest pass.
type APNsGateway struct {
	host   string
	keyID  string
	teamID string
	key    *ecdsa.PrivateKey
	client *http.Client
	tokens *cache.Cache
	now    func() time.Time
}

func NewAPNsGateway(cfg APNsConfig) (*APNsGateway, error) {
	key, err := readAPNsKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	host := apnsDevelopmentHost
	if cfg.Production {
		host = apnsProductionHost
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APNsGateway{
		host:   host,
		keyID:  cfg.KeyID,
		teamID: cfg.TeamID,
		key:    key,
		client: &http.Client{Timeout: timeout},
		tokens: cache.New(providerTokenTTL, 10*time.Minute),
		now:    time.Now,
	}, nil
}

func readAPNsKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read apns key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("apns key: no PEM block")
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse apns key: %w", err)
	}
	ec, ok := k.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("apns key is %T, want ECDSA", k)
	}
	return ec, nil
}

// providerToken returns the signed assertion APNs expects as bearer
// credential, reusing a cached one while it is fresh.
func (g *APNsGateway) providerToken() (string, error) {
	if v, ok := g.tokens.Get(providerTokenKey); ok {
		return v.(string), nil
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": g.teamID,
		"iat": g.now().Unix(),
	})
	tok.Header["kid"] = g.keyID
	signed, err := tok.SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("sign provider token: %w", err)
	}
	g.tokens.SetDefault(providerTokenKey, signed)
	return signed, nil
}

func (g *APNsGateway) Send(ctx context.Context, reg model.DeviceRegistration) error {
	bearer, err := g.providerToken()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.host+"/3/device/"+reg.PushToken, bytes.NewReader([]byte(`{}`)))
	if err != nil {
		return fmt.Errorf("build apns request: %w", err)
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", reg.PassTypeID)
	req.Header.Set("apns-push-type", "background")
	req.Header.Set("apns-priority", "5")
	req.Header.Set("content-type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return &apperr.DeliveryError{Channel: "apns", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusGone:
		return ErrGone
	}
	var body struct {
		Reason string `json:"reason"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &body)
	if body.Reason == "ExpiredProviderToken" {
		g.tokens.Delete(providerTokenKey)
	}
	return &apperr.DeliveryError{Channel: "apns", Err: fmt.Errorf("status %d: %s", resp.StatusCode, body.Reason)}
}
