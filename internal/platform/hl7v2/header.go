package hl7v2

// MessageHeader is the routing view of the MSH segment.
type MessageHeader struct {
	FieldSeparator       string     `json:"fieldSeparator"`
	EncodingCharacters   string     `json:"encodingCharacters"`
	SendingApplication   string     `json:"sendingApplication"`
	SendingFacility      string     `json:"sendingFacility"`
	ReceivingApplication string     `json:"receivingApplication"`
	ReceivingFacility    string     `json:"receivingFacility"`
	Timestamp            Timestamp  `json:"timestamp"`
	MessageType          string     `json:"messageType"`
	TriggerEvent         string     `json:"triggerEvent"`
	MessageStructure     string     `json:"messageStructure,omitempty"`
	ControlID            string     `json:"controlId"`
	ProcessingID         string     `json:"processingId"`
	VersionID            string     `json:"versionId"`
	Delimiters           Delimiters `json:"-"`

	// Diagnostics holds non-fatal header problems, such as an unparseable
	// MSH-7 timestamp.
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// Type returns the message type and trigger event as sent, e.g. "ADT^A01".
func (h *MessageHeader) Type() string {
	if h.TriggerEvent == "" {
		return h.MessageType
	}
	return h.MessageType + string(h.Delimiters.Component) + h.TriggerEvent
}

// ExtractHeader reads the MSH segment of msg. Missing required header fields
// (message type, control ID) are a *ParseError; a malformed timestamp is only
// recorded as a diagnostic on the header.
//
// Application and facility fields keep their raw wire text so they can be
// echoed back unchanged in the acknowledgment. The control ID is likewise
// returned exactly as sent.
func ExtractHeader(msg *Message) (*MessageHeader, error) {
	msh := msg.Header()
	if msh == nil || msh.Type != headerSegment {
		return nil, parseErrorf("%s segment not found", headerSegment)
	}

	for _, n := range SegmentDefs[headerSegment].RequiredFields() {
		if msh.Raw(n) == "" {
			def, _ := SegmentDefs[headerSegment].Lookup(n)
			return nil, parseErrorf("required header field MSH-%d (%s) is empty", n, def.Name)
		}
	}

	h := &MessageHeader{
		FieldSeparator:       msh.Raw(MSHFieldSeparator),
		EncodingCharacters:   msh.Raw(MSHEncodingCharacters),
		SendingApplication:   msh.Raw(MSHSendingApplication),
		SendingFacility:      msh.Raw(MSHSendingFacility),
		ReceivingApplication: msh.Raw(MSHReceivingApplication),
		ReceivingFacility:    msh.Raw(MSHReceivingFacility),
		MessageType:          msh.Component(MSHMessageType, 1),
		TriggerEvent:         msh.Component(MSHMessageType, 2),
		MessageStructure:     msh.Component(MSHMessageType, 3),
		ControlID:            msh.Raw(MSHControlID),
		ProcessingID:         msh.Component(MSHProcessingID, 1),
		VersionID:            msh.Component(MSHVersionID, 1),
		Delimiters:           msg.Delimiters,
	}

	if h.MessageType == "" {
		return nil, parseErrorf("message type component of MSH-9 is empty")
	}

	h.Timestamp = timestampField(msh, MSHDateTime, &h.Diagnostics)

	return h, nil
}
