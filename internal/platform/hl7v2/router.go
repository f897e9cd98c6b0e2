package hl7v2

// MessageKind is the projector a message is dispatched to.
type MessageKind string

const (
	KindADT         MessageKind = "adt"
	KindORM         MessageKind = "orm"
	KindORU         MessageKind = "oru"
	KindUnsupported MessageKind = "unsupported"
)

// ADTEvent is the semantic event an ADT trigger represents.
type ADTEvent string

const (
	ADTAdmission ADTEvent = "admission"
	ADTDischarge ADTEvent = "discharge"
	ADTTransfer  ADTEvent = "transfer"
	ADTUpdate    ADTEvent = "update"
	ADTCancel    ADTEvent = "cancel"
)

// adtEvents maps ADT trigger events to their semantic kind. A04 (register an
// outpatient) is handled as an admission.
var adtEvents = map[string]ADTEvent{
	"A01": ADTAdmission,
	"A04": ADTAdmission,
	"A03": ADTDischarge,
	"A02": ADTTransfer,
	"A08": ADTUpdate,
	"A11": ADTCancel,
}

// Route is the outcome of dispatching a message header.
type Route struct {
	Kind    MessageKind `json:"kind"`
	Event   ADTEvent    `json:"event,omitempty"`
	Type    string      `json:"type"`
	Trigger string      `json:"trigger"`
}

// Supported reports whether a projector exists for the route.
func (r Route) Supported() bool { return r.Kind != KindUnsupported }

// Err returns an *UnsupportedTypeError for unsupported routes and nil
// otherwise.
func (r Route) Err() error {
	if r.Supported() {
		return nil
	}
	return &UnsupportedTypeError{Type: r.Type, Trigger: r.Trigger}
}

// RouteMessage selects the projector for h. Unknown types and ADT triggers
// without a mapping yield KindUnsupported rather than an error, so the caller
// can still acknowledge with a reject.
func RouteMessage(h *MessageHeader) Route {
	r := Route{Kind: KindUnsupported, Type: h.MessageType, Trigger: h.TriggerEvent}
	switch h.MessageType {
	case "ADT":
		if ev, ok := adtEvents[h.TriggerEvent]; ok {
			r.Kind = KindADT
			r.Event = ev
		}
	case "ORM":
		r.Kind = KindORM
	case "ORU":
		r.Kind = KindORU
	}
	return r
}
