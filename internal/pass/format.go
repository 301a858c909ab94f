package pass

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hotelkey/keyservice/internal/model"
)

// Branding is the issuer identity stamped on every pass.
type Branding struct {
	TeamID           string
	OrganizationName string
	Description      string
	LogoText         string
	ForegroundColor  string
	BackgroundColor  string
	LabelColor       string
}

// Input is the snapshot a pass is rendered from.
type Input struct {
	Detail        model.KeyDetail
	TypeID        string
	RetrievalURL  string
	WebServiceURL string
	Branding      Branding
}

// Format is one ecosystem's artifact layout.
type Format interface {
	Ecosystem() model.Ecosystem
	Extension() string
	ContentType() string
	DescriptorName() string
	Descriptor(in Input) ([]byte, error)
}

// FormatFor returns the format of an ecosystem.
func FormatFor(eco model.Ecosystem) (Format, error) {
	switch eco {
	case model.EcosystemApple:
		return appleFormat{}, nil
	case model.EcosystemGoogle:
		return googleFormat{}, nil
	}
	return nil, fmt.Errorf("unsupported ecosystem %q", eco)
}

// Filename is the deterministic artifact name for a serial.
func Filename(f Format, serial string) string {
	return "hotelkey_" + serial + "." + f.Extension()
}

const displayTime = "Mon Jan 2 2006, 15:04 MST"

type appleFormat struct{}

func (appleFormat) Ecosystem() model.Ecosystem { return model.EcosystemApple }
func (appleFormat) Extension() string          { return "pkpass" }
func (appleFormat) ContentType() string        { return "application/vnd.apple.pkpass" }
func (appleFormat) DescriptorName() string     { return "pass.json" }

type appleField struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Value string `json:"value"`
}

type appleBarcode struct {
	Format          string `json:"format"`
	Message         string `json:"message"`
	MessageEncoding string `json:"messageEncoding"`
	AltText         string `json:"altText,omitempty"`
}

type appleStructure struct {
	PrimaryFields   []appleField `json:"primaryFields"`
	SecondaryFields []appleField `json:"secondaryFields"`
	AuxiliaryFields []appleField `json:"auxiliaryFields"`
	BackFields      []appleField `json:"backFields,omitempty"`
}

type applePass struct {
	FormatVersion       int            `json:"formatVersion"`
	PassTypeIdentifier  string         `json:"passTypeIdentifier"`
	SerialNumber        string         `json:"serialNumber"`
	TeamIdentifier      string         `json:"teamIdentifier"`
	OrganizationName    string         `json:"organizationName"`
	Description         string         `json:"description"`
	LogoText            string         `json:"logoText,omitempty"`
	ForegroundColor     string         `json:"foregroundColor,omitempty"`
	BackgroundColor     string         `json:"backgroundColor,omitempty"`
	LabelColor          string         `json:"labelColor,omitempty"`
	Generic             appleStructure `json:"generic"`
	Barcodes            []appleBarcode `json:"barcodes"`
	ExpirationDate      string         `json:"expirationDate"`
	Voided              bool           `json:"voided"`
	AuthenticationToken string         `json:"authenticationToken"`
	WebServiceURL       string         `json:"webServiceURL,omitempty"`
}

func (appleFormat) Descriptor(in Input) ([]byte, error) {
	d := in.Detail
	loc := d.Hotel.Location()
	p := applePass{
		FormatVersion:      1,
		PassTypeIdentifier: in.TypeID,
		SerialNumber:       d.Key.Serial,
		TeamIdentifier:     in.Branding.TeamID,
		OrganizationName:   in.Branding.OrganizationName,
		Description:        in.Branding.Description,
		LogoText:           in.Branding.LogoText,
		ForegroundColor:    in.Branding.ForegroundColor,
		BackgroundColor:    in.Branding.BackgroundColor,
		LabelColor:         in.Branding.LabelColor,
		Generic: appleStructure{
			PrimaryFields: []appleField{{Key: "room", Label: "ROOM", Value: d.Room.RoomNumber}},
			SecondaryFields: []appleField{
				{Key: "guest", Label: "GUEST", Value: d.Guest.FullName()},
				{Key: "hotel", Label: "HOTEL", Value: d.Hotel.Name},
			},
			AuxiliaryFields: []appleField{
				{Key: "checkin", Label: "CHECK-IN", Value: d.Reservation.CheckIn.In(loc).Format(displayTime)},
				{Key: "checkout", Label: "CHECK-OUT", Value: d.Reservation.CheckOut.In(loc).Format(displayTime)},
			},
			BackFields: []appleField{
				{Key: "confirmation", Label: "Confirmation", Value: d.Reservation.ConfirmationCode},
				{Key: "address", Label: "Address", Value: joinNonEmpty(", ", d.Hotel.Address, d.Hotel.City, d.Hotel.Country)},
			},
		},
		Barcodes: []appleBarcode{{
			Format:          "PKBarcodeFormatQR",
			Message:         in.RetrievalURL,
			MessageEncoding: "iso-8859-1",
			AltText:         "Room " + d.Room.RoomNumber,
		}},
		ExpirationDate:      d.Key.ValidUntil.UTC().Format(time.RFC3339),
		Voided:              !d.Key.IsActive,
		AuthenticationToken: d.Key.AuthToken,
		WebServiceURL:       in.WebServiceURL,
	}
	return json.MarshalIndent(p, "", "  ")
}

type googleFormat struct{}

func (googleFormat) Ecosystem() model.Ecosystem { return model.EcosystemGoogle }
func (googleFormat) Extension() string          { return "hkpass" }
func (googleFormat) ContentType() string        { return "application/vnd.hotelkey.pass" }
func (googleFormat) DescriptorName() string     { return "object.json" }

type googleText struct {
	ID     string `json:"id"`
	Header string `json:"header"`
	Body   string `json:"body"`
}

type googleDate struct {
	Date string `json:"date"`
}

type googleObject struct {
	ID                 string       `json:"id"`
	ClassID            string       `json:"classId"`
	State              string       `json:"state"`
	IssuerName         string       `json:"issuerName"`
	CardTitle          string       `json:"cardTitle"`
	Header             string       `json:"header"`
	Subheader          string       `json:"subheader"`
	HexBackgroundColor string       `json:"hexBackgroundColor,omitempty"`
	TextModulesData    []googleText `json:"textModulesData"`
	Barcode            struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"barcode"`
	ValidTimeInterval struct {
		Start googleDate `json:"start"`
		End   googleDate `json:"end"`
	} `json:"validTimeInterval"`
	AuthenticationToken string `json:"authenticationToken"`
	WebServiceURL       string `json:"webServiceURL,omitempty"`
}

func (googleFormat) Descriptor(in Input) ([]byte, error) {
	d := in.Detail
	loc := d.Hotel.Location()
	o := googleObject{
		ID:                  in.TypeID + "." + d.Key.Serial,
		ClassID:             in.TypeID,
		State:               googleState(d.Key),
		IssuerName:          in.Branding.OrganizationName,
		CardTitle:           d.Hotel.Name,
		Header:              "Room " + d.Room.RoomNumber,
		Subheader:           d.Guest.FullName(),
		HexBackgroundColor:  hexColor(in.Branding.BackgroundColor),
		AuthenticationToken: d.Key.AuthToken,
		WebServiceURL:       in.WebServiceURL,
		TextModulesData: []googleText{
			{ID: "checkin", Header: "Check-in", Body: d.Reservation.CheckIn.In(loc).Format(displayTime)},
			{ID: "checkout", Header: "Check-out", Body: d.Reservation.CheckOut.In(loc).Format(displayTime)},
			{ID: "confirmation", Header: "Confirmation", Body: d.Reservation.ConfirmationCode},
		},
	}
	o.Barcode.Type = "QR_CODE"
	o.Barcode.Value = in.RetrievalURL
	o.ValidTimeInterval.Start.Date = d.Key.ValidFrom.UTC().Format(time.RFC3339)
	o.ValidTimeInterval.End.Date = d.Key.ValidUntil.UTC().Format(time.RFC3339)
	return json.MarshalIndent(o, "", "  ")
}

func googleState(k model.Key) string {
	switch {
	case k.Status == model.KeyStatusExpired:
		return "EXPIRED"
	case !k.IsActive || k.Status == model.KeyStatusRevoked:
		return "INACTIVE"
	default:
		return "ACTIVE"
	}
}

// hexColor converts "rgb(r, g, b)" to "#rrggbb"; other values pass through.
func hexColor(c string) string {
	var r, g, b int
	if _, err := fmt.Sscanf(strings.ReplaceAll(c, " ", ""), "rgb(%d,%d,%d)", &r, &g, &b); err != nil {
		return c
	}
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

func joinNonEmpty(sep string, parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
