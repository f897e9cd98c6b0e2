package hl7v2

// VisitInfo is the projection of a PV1 segment. A message without PV1 yields
// the zero value.
type VisitInfo struct {
	PatientClass         string    `json:"patientClass,omitempty"`
	AssignedLocation     Location  `json:"assignedLocation"`
	PriorLocation        Location  `json:"priorLocation"`
	AdmissionType        string    `json:"admissionType,omitempty"`
	AttendingDoctor      Provider  `json:"attendingDoctor"`
	ReferringDoctor      Provider  `json:"referringDoctor"`
	HospitalService      string    `json:"hospitalService,omitempty"`
	AdmitSource          string    `json:"admitSource,omitempty"`
	VisitNumber          string    `json:"visitNumber,omitempty"`
	DischargeDisposition string    `json:"dischargeDisposition,omitempty"`
	AdmitTime            Timestamp `json:"admitTime"`
	DischargeTime        Timestamp `json:"dischargeTime"`
}

// ADTMessage is an admission, discharge, transfer, update or cancel event.
type ADTMessage struct {
	RecordMeta
	Event    ADTEvent    `json:"event"`
	Patient  PatientInfo `json:"patient"`
	Visit    VisitInfo   `json:"visit"`
	HasVisit bool        `json:"hasVisit"`
}

// Kind implements Record.
func (*ADTMessage) Kind() MessageKind { return KindADT }

// ProjectADT builds an ADTMessage. PID is required; PV1 is optional.
func ProjectADT(msg *Message, h *MessageHeader, event ADTEvent) (*ADTMessage, error) {
	pid, err := msg.Require("PID", h.Type())
	if err != nil {
		return nil, err
	}

	rec := &ADTMessage{
		RecordMeta: newRecordMeta(h),
		Event:      event,
	}
	rec.Patient = projectPatient(pid, &rec.Diagnostics)

	if pv1 := msg.Segment("PV1"); pv1 != nil {
		rec.HasVisit = true
		rec.Visit = projectVisit(pv1, &rec.Diagnostics)
	}
	return rec, nil
}

func projectVisit(pv1 *Segment, diags *[]Diagnostic) VisitInfo {
	*diags = append(*diags, CheckRequired(pv1)...)
	return VisitInfo{
		PatientClass:         pv1.Component(PV1PatientClass, 1),
		AssignedLocation:     location(pv1, PV1AssignedLocation),
		PriorLocation:        location(pv1, PV1PriorLocation),
		AdmissionType:        pv1.Component(PV1AdmissionType, 1),
		AttendingDoctor:      provider(pv1, PV1AttendingDoctor),
		ReferringDoctor:      provider(pv1, PV1ReferringDoctor),
		HospitalService:      pv1.Component(PV1HospitalService, 1),
		AdmitSource:          pv1.Component(PV1AdmitSource, 1),
		VisitNumber:          pv1.Component(PV1VisitNumber, 1),
		DischargeDisposition: pv1.Component(PV1DischargeDisposition, 1),
		AdmitTime:            timestampField(pv1, PV1AdmitDateTime, diags),
		DischargeTime:        timestampField(pv1, PV1DischargeDateTime, diags),
	}
}
