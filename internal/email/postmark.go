package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
)

const postmarkURL = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkAttachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
}

type postmarkEmail struct {
	From        string               `json:"From"`
	To          string               `json:"To"`
	Subject     string               `json:"Subject"`
	HtmlBody    string               `json:"HtmlBody"`
	TextBody    string               `json:"TextBody"`
	Attachments []postmarkAttachment `json:"Attachments,omitempty"`
}

// KeyMessage is the content of a key delivery email.
type KeyMessage struct {
	To         string
	GuestName  string
	HotelName  string
	RoomNumber string
	CheckIn    string
	CheckOut   string
	PassURL    string

	// Pass, when set, is attached so the guest can install it directly.
	Pass            []byte
	PassFilename    string
	PassContentType string
}

// SendKey emails a guest the link to their digital room key.
func (c *Client) SendKey(ctx context.Context, m KeyMessage) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	subject := fmt.Sprintf("Your Digital Room Key - %s", m.HotelName)
	textBody := fmt.Sprintf(
		"Hello %s,\n\nYour digital key for room %s at %s is ready.\nCheck-in: %s\nCheck-out: %s\n\nAdd it to your wallet:\n%s\n",
		m.GuestName, m.RoomNumber, m.HotelName, m.CheckIn, m.CheckOut, m.PassURL,
	)
	htmlBody := fmt.Sprintf(
		`<p>Hello %s,</p><p>Your digital key for room <strong>%s</strong> at %s is ready.</p>`+
			`<p>Check-in: %s<br>Check-out: %s</p><p><a href="%s">Add to wallet</a></p>`,
		html.EscapeString(m.GuestName), html.EscapeString(m.RoomNumber), html.EscapeString(m.HotelName),
		html.EscapeString(m.CheckIn), html.EscapeString(m.CheckOut), html.EscapeString(m.PassURL),
	)

	payload := postmarkEmail{
		From:     c.fromEmail,
		To:       m.To,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
	}
	if len(m.Pass) > 0 {
		payload.Attachments = []postmarkAttachment{{
			Name:        m.PassFilename,
			Content:     base64.StdEncoding.EncodeToString(m.Pass),
			ContentType: m.PassContentType,
		}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
