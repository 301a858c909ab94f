package pass

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/hotelkey/keyservice/internal/model"
)

func formatInput() Input {
	in := Input{
		TypeID:       "pass.com.example.hotelkey",
		RetrievalURL: "http://keys.test/passes/apple/hotelkey_s.pkpass",
	}
	in.Detail.Key = model.Key{
		Serial:     "s",
		AuthToken:  "tok",
		ValidFrom:  time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC),
		ValidUntil: time.Date(2025, 1, 12, 11, 0, 0, 0, time.UTC),
		IsActive:   true,
		Status:     model.KeyStatusCreated,
	}
	in.Detail.Reservation.CheckIn = in.Detail.Key.ValidFrom
	in.Detail.Reservation.CheckOut = in.Detail.Key.ValidUntil
	in.Detail.Room.RoomNumber = "101"
	in.Detail.Hotel.TimeZone = "America/New_York"
	return in
}

func TestAppleDescriptorRendersHotelTime(t *testing.T) {
	in := formatInput()
	data, err := appleFormat{}.Descriptor(in)
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	var p applePass
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	checkin := p.Generic.AuxiliaryFields[0].Value
	if !strings.Contains(checkin, "09:00") || !strings.Contains(checkin, "EST") {
		t.Errorf("check-in = %q, want 09:00 EST", checkin)
	}
	if p.ExpirationDate != "2025-01-12T11:00:00Z" {
		t.Errorf("expirationDate = %q", p.ExpirationDate)
	}
	if p.AuthenticationToken != "tok" {
		t.Errorf("authenticationToken = %q", p.AuthenticationToken)
	}
	if p.Barcodes[0].Message != in.RetrievalURL {
		t.Errorf("barcode = %q", p.Barcodes[0].Message)
	}
}

func TestAppleDescriptorVoided(t *testing.T) {
	in := formatInput()
	in.Detail.Key.IsActive = false
	data, err := appleFormat{}.Descriptor(in)
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	var p applePass
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.Voided {
		t.Error("inactive key rendered without voided")
	}
}

func TestGoogleState(t *testing.T) {
	tests := []struct {
		status model.KeyStatus
		active bool
		want   string
	}{
		{model.KeyStatusCreated, true, "ACTIVE"},
		{model.KeyStatusActive, true, "ACTIVE"},
		{model.KeyStatusActive, false, "INACTIVE"},
		{model.KeyStatusRevoked, false, "INACTIVE"},
		{model.KeyStatusExpired, false, "EXPIRED"},
	}
	for _, tt := range tests {
		got := googleState(model.Key{Status: tt.status, IsActive: tt.active})
		if got != tt.want {
			t.Errorf("googleState(%s, %v) = %q, want %q", tt.status, tt.active, got, tt.want)
		}
	}
}

func TestHexColor(t *testing.T) {
	if got := hexColor("rgb(60, 65, 76)"); got != "#3c414c" {
		t.Errorf("hexColor = %q", got)
	}
	if got := hexColor("#ffffff"); got != "#ffffff" {
		t.Errorf("hexColor passthrough = %q", got)
	}
}

func TestDefaultAssets(t *testing.T) {
	assets, err := LoadAssets("", "rgb(1, 2, 3)")
	if err != nil {
		t.Fatalf("LoadAssets: %v", err)
	}
	if len(assets) != 3 {
		t.Fatalf("got %d assets, want 3", len(assets))
	}
	if _, err := LoadAssets(t.TempDir(), ""); err == nil {
		t.Error("empty asset dir accepted")
	}
}
