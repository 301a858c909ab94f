package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testMessage() KeyMessage {
	return KeyMessage{
		To:         "ada@example.com",
		GuestName:  "Ada Lovelace",
		HotelName:  "Grand Test Hotel",
		RoomNumber: "101",
		CheckIn:    "Fri Jan 10 2025, 14:00 UTC",
		CheckOut:   "Sun Jan 12 2025, 11:00 UTC",
		PassURL:    "https://keys.test/passes/apple/hotelkey_s.pkpass",
	}
}

func TestSendKey(t *testing.T) {
	var received postmarkEmail
	var gotToken string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Postmark-Server-Token")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"MessageID": "test-id"}`))
	}))
	defer server.Close()

	client := NewClient("test-token", "keys@example.com",
		WithHTTPClient(&http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, target: server.URL}}))

	if err := client.SendKey(context.Background(), testMessage()); err != nil {
		t.Fatalf("send key: %v", err)
	}

	if gotToken != "test-token" {
		t.Errorf("server token = %q, want %q", gotToken, "test-token")
	}
	if received.To != "ada@example.com" {
		t.Errorf("To = %q, want %q", received.To, "ada@example.com")
	}
	if received.From != "keys@example.com" {
		t.Errorf("From = %q, want %q", received.From, "keys@example.com")
	}
	if received.Subject != "Your Digital Room Key - Grand Test Hotel" {
		t.Errorf("Subject = %q", received.Subject)
	}
	if !strings.Contains(received.TextBody, "hotelkey_s.pkpass") {
		t.Errorf("TextBody missing pass link: %q", received.TextBody)
	}
	if len(received.Attachments) != 0 {
		t.Errorf("unexpected attachments: %d", len(received.Attachments))
	}
}

func TestSendKeyAttachesPass(t *testing.T) {
	var received postmarkEmail
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient("test-token", "keys@example.com")
	client.httpClient = &http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, target: server.URL}}

	m := testMessage()
	m.GuestName = "<script>"
	m.Pass = []byte("PK\x03\x04")
	m.PassFilename = "hotelkey_s.pkpass"
	m.PassContentType = "application/vnd.apple.pkpass"
	if err := client.SendKey(context.Background(), m); err != nil {
		t.Fatalf("send key: %v", err)
	}

	if len(received.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(received.Attachments))
	}
	a := received.Attachments[0]
	if a.Name != "hotelkey_s.pkpass" || a.ContentType != "application/vnd.apple.pkpass" {
		t.Errorf("attachment = %+v", a)
	}
	if a.Content != base64.StdEncoding.EncodeToString(m.Pass) {
		t.Errorf("attachment content = %q", a.Content)
	}
	if strings.Contains(received.HtmlBody, "<script>") {
		t.Error("guest name not escaped in html body")
	}
}

func TestSendKeyNotConfigured(t *testing.T) {
	client := NewClient("", "keys@example.com")

	err := client.SendKey(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error for unconfigured client")
	}
}

func TestSendKeyAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := NewClient("test-token", "keys@example.com")
	client.httpClient = &http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, target: server.URL}}

	err := client.SendKey(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error for API failure")
	}
}

func TestConfigured(t *testing.T) {
	c1 := NewClient("token", "from@test.com")
	if !c1.Configured() {
		t.Error("expected Configured() = true")
	}

	c2 := NewClient("", "from@test.com")
	if c2.Configured() {
		t.Error("expected Configured() = false")
	}
}

// rewriteTransport redirects all requests to a test server URL.
type rewriteTransport struct {
	base   http.RoundTripper
	target string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.target[len("http://"):]
	return t.base.RoundTrip(req)
}
