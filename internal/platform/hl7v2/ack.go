package hl7v2

import (
	"time"

	"github.com/google/uuid"
)

// AckCode is the MSA-1 acknowledgment code.
type AckCode string

const (
	// AckAccept (AA): the message was processed and handed off.
	AckAccept AckCode = "AA"
	// AckError (AE): the message parsed but failed a business rule or the
	// handoff.
	AckError AckCode = "AE"
	// AckReject (AR): the message could not be parsed or routed.
	AckReject AckCode = "AR"
)

const (
	defaultVersion      = "2.5"
	defaultProcessingID = "P"
)

// Acker synthesizes acknowledgment messages on behalf of the gateway.
type Acker struct {
	// Application and Facility identify the gateway when the incoming header
	// could not be read or names no receiver.
	Application string
	Facility    string

	now   func() time.Time
	newID func() string
}

// NewAcker creates an Acker that identifies itself as app at facility.
func NewAcker(app, facility string) *Acker {
	return &Acker{
		Application: app,
		Facility:    facility,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.NewString() },
	}
}

// Generate builds an ACK for a message whose original control ID is
// controlID. incoming may be nil when the header could not be extracted; the
// ACK is then addressed from the gateway identity with default delimiters.
//
// MSA-2 always carries controlID exactly as given. The ACK's own MSH-10 is a
// freshly generated identifier. text, if not empty, is escaped into MSA-3.
func (a *Acker) Generate(incoming *MessageHeader, controlID string, code AckCode, text string) *Message {
	d := DefaultDelimiters
	sendingApp, sendingFac := a.Application, a.Facility
	receivingApp, receivingFac := "", ""
	trigger := ""
	version := defaultVersion
	processingID := defaultProcessingID

	if incoming != nil {
		d = incoming.Delimiters
		if incoming.ReceivingApplication != "" {
			sendingApp = incoming.ReceivingApplication
		}
		if incoming.ReceivingFacility != "" {
			sendingFac = incoming.ReceivingFacility
		}
		receivingApp = incoming.SendingApplication
		receivingFac = incoming.SendingFacility
		trigger = incoming.TriggerEvent
		if incoming.VersionID != "" {
			version = incoming.VersionID
		}
		if incoming.ProcessingID != "" {
			processingID = incoming.ProcessingID
		}
	}

	comp := string(d.Component)
	msgType := "ACK"
	if trigger != "" {
		msgType = "ACK" + comp + trigger + comp + "ACK"
	}

	msh := NewSegment(d, "MSH",
		sendingApp,               // MSH-3
		sendingFac,               // MSH-4
		receivingApp,             // MSH-5
		receivingFac,             // MSH-6
		FormatTimestamp(a.now()), // MSH-7
		"",                       // MSH-8
		msgType,                  // MSH-9
		a.newID(),                // MSH-10
		processingID,             // MSH-11
		version,                  // MSH-12
	)

	msaFields := []string{string(code), controlID}
	if text != "" {
		msaFields = append(msaFields, d.EscapeText(text))
	}
	msa := NewSegment(d, "MSA", msaFields...)

	return NewMessage(d, msh, msa)
}

// BuildAck returns the wire text of a minimal ACK carrying code and the
// original control ID.
func (a *Acker) BuildAck(controlID string, code AckCode) string {
	return string(a.Generate(nil, controlID, code, "").Encode())
}
