package hl7v2

// Field positions for the segments the gateway models. Projectors address
// fields only through these constants; the SegmentDefs below describe the same
// positions with names and required flags.
const (
	MSHFieldSeparator       = 1
	MSHEncodingCharacters   = 2
	MSHSendingApplication   = 3
	MSHSendingFacility      = 4
	MSHReceivingApplication = 5
	MSHReceivingFacility    = 6
	MSHDateTime             = 7
	MSHMessageType          = 9
	MSHControlID            = 10
	MSHProcessingID         = 11
	MSHVersionID            = 12
)

const (
	PIDSetID          = 1
	PIDIdentifierList = 3
	PIDPatientName    = 5
	PIDMothersMaiden  = 6
	PIDDateOfBirth    = 7
	PIDSex            = 8
	PIDAddress        = 11
	PIDHomePhone      = 13
	PIDMaritalStatus  = 16
	PIDAccountNumber  = 18
	PIDSSN            = 19
	PIDDeathIndicator = 30
)

const (
	PV1SetID                = 1
	PV1PatientClass         = 2
	PV1AssignedLocation     = 3
	PV1AdmissionType        = 4
	PV1PriorLocation        = 6
	PV1AttendingDoctor      = 7
	PV1ReferringDoctor      = 8
	PV1HospitalService      = 10
	PV1AdmitSource          = 14
	PV1VisitNumber          = 19
	PV1DischargeDisposition = 36
	PV1AdmitDateTime        = 44
	PV1DischargeDateTime    = 45
)

const (
	OBRSetID                 = 1
	OBRPlacerOrderNumber     = 2
	OBRFillerOrderNumber     = 3
	OBRUniversalServiceID    = 4
	OBRPriority              = 5
	OBRRequestedDateTime     = 6
	OBRObservationDateTime   = 7
	OBRSpecimenReceived      = 14
	OBROrderingProvider      = 16
	OBRResultsReportedAt     = 22
	OBRDiagnosticServiceSect = 24
	OBRResultStatus          = 25
)

const (
	OBXSetID                 = 1
	OBXValueType             = 2
	OBXObservationIdentifier = 3
	OBXObservationSubID      = 4
	OBXObservationValue      = 5
	OBXUnits                 = 6
	OBXReferenceRange        = 7
	OBXAbnormalFlags         = 8
	OBXResultStatus          = 11
	OBXObservationDateTime   = 14
)

// FieldDef names one field position of a segment.
type FieldDef struct {
	Name     string `json:"name"`
	Number   int    `json:"number"`
	Required bool   `json:"required"`
}

// SegmentDef is the field layout of one segment type.
type SegmentDef struct {
	Type   string     `json:"type"`
	Name   string     `json:"name"`
	Fields []FieldDef `json:"fields"`
}

// Lookup returns the definition of field n, if the layout names it.
func (d SegmentDef) Lookup(n int) (FieldDef, bool) {
	for _, f := range d.Fields {
		if f.Number == n {
			return f, true
		}
	}
	return FieldDef{}, false
}

// RequiredFields returns the numbers of fields that must be non-empty.
func (d SegmentDef) RequiredFields() []int {
	var out []int
	for _, f := range d.Fields {
		if f.Required {
			out = append(out, f.Number)
		}
	}
	return out
}

// SegmentDefs is the field-index table for every modeled segment type.
var SegmentDefs = map[string]SegmentDef{
	"MSH": {Type: "MSH", Name: "Message Header", Fields: []FieldDef{
		{"Field Separator", MSHFieldSeparator, true},
		{"Encoding Characters", MSHEncodingCharacters, true},
		{"Sending Application", MSHSendingApplication, false},
		{"Sending Facility", MSHSendingFacility, false},
		{"Receiving Application", MSHReceivingApplication, false},
		{"Receiving Facility", MSHReceivingFacility, false},
		{"Date/Time of Message", MSHDateTime, false},
		{"Message Type", MSHMessageType, true},
		{"Message Control ID", MSHControlID, true},
		{"Processing ID", MSHProcessingID, false},
		{"Version ID", MSHVersionID, false},
	}},
	"PID": {Type: "PID", Name: "Patient Identification", Fields: []FieldDef{
		{"Set ID", PIDSetID, false},
		{"Patient Identifier List", PIDIdentifierList, true},
		{"Patient Name", PIDPatientName, false},
		{"Mother's Maiden Name", PIDMothersMaiden, false},
		{"Date/Time of Birth", PIDDateOfBirth, false},
		{"Administrative Sex", PIDSex, false},
		{"Patient Address", PIDAddress, false},
		{"Phone Number - Home", PIDHomePhone, false},
		{"Marital Status", PIDMaritalStatus, false},
		{"Patient Account Number", PIDAccountNumber, false},
		{"SSN Number", PIDSSN, false},
		{"Patient Death Indicator", PIDDeathIndicator, false},
	}},
	"PV1": {Type: "PV1", Name: "Patient Visit", Fields: []FieldDef{
		{"Set ID", PV1SetID, false},
		{"Patient Class", PV1PatientClass, true},
		{"Assigned Patient Location", PV1AssignedLocation, false},
		{"Admission Type", PV1AdmissionType, false},
		{"Prior Patient Location", PV1PriorLocation, false},
		{"Attending Doctor", PV1AttendingDoctor, false},
		{"Referring Doctor", PV1ReferringDoctor, false},
		{"Hospital Service", PV1HospitalService, false},
		{"Admit Source", PV1AdmitSource, false},
		{"Visit Number", PV1VisitNumber, false},
		{"Discharge Disposition", PV1DischargeDisposition, false},
		{"Admit Date/Time", PV1AdmitDateTime, false},
		{"Discharge Date/Time", PV1DischargeDateTime, false},
	}},
	"OBR": {Type: "OBR", Name: "Observation Request", Fields: []FieldDef{
		{"Set ID", OBRSetID, false},
		{"Placer Order Number", OBRPlacerOrderNumber, false},
		{"Filler Order Number", OBRFillerOrderNumber, false},
		{"Universal Service Identifier", OBRUniversalServiceID, true},
		{"Priority", OBRPriority, false},
		{"Requested Date/Time", OBRRequestedDateTime, false},
		{"Observation Date/Time", OBRObservationDateTime, false},
		{"Specimen Received Date/Time", OBRSpecimenReceived, false},
		{"Ordering Provider", OBROrderingProvider, false},
		{"Results Rpt/Status Chng Date/Time", OBRResultsReportedAt, false},
		{"Diagnostic Serv Sect ID", OBRDiagnosticServiceSect, false},
		{"Result Status", OBRResultStatus, false},
	}},
	"OBX": {Type: "OBX", Name: "Observation/Result", Fields: []FieldDef{
		{"Set ID", OBXSetID, false},
		{"Value Type", OBXValueType, false},
		{"Observation Identifier", OBXObservationIdentifier, true},
		{"Observation Sub-ID", OBXObservationSubID, false},
		{"Observation Value", OBXObservationValue, false},
		{"Units", OBXUnits, false},
		{"Reference Range", OBXReferenceRange, false},
		{"Abnormal Flags", OBXAbnormalFlags, false},
		{"Observation Result Status", OBXResultStatus, false},
		{"Date/Time of the Observation", OBXObservationDateTime, false},
	}},
}

// CheckRequired reports every required field of seg that is empty, according
// to SegmentDefs. Segment types without a definition yield nothing.
func CheckRequired(seg *Segment) []Diagnostic {
	if seg == nil {
		return nil
	}
	def, ok := SegmentDefs[seg.Type]
	if !ok {
		return nil
	}
	var diags []Diagnostic
	for _, f := range def.Fields {
		if f.Required && seg.Raw(f.Number) == "" {
			diags = append(diags, warnf(DiagMissingField, seg, f.Number, "required field %s is empty", f.Name))
		}
	}
	return diags
}
