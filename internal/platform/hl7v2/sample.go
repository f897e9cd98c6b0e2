package hl7v2

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Sample patient used by SampleMessage.
var samplePatient = PatientInfo{
	PatientID:          "12345",
	AssigningAuthority: "FAC",
	IdentifierType:     "MR",
	Name:               PersonName{Family: "Doe", Given: "John", Middle: "Q"},
	Gender:             "M",
	Address: Address{
		Street:     "123 Main St",
		City:       "Springfield",
		State:      "IL",
		PostalCode: "62701",
		Country:    "USA",
	},
	HomePhone: "555-0100",
}

type sampleSpec struct {
	msgType string
	trigger string
	build   func(d Delimiters, now time.Time) []Segment
}

var samples = map[string]sampleSpec{
	"adt-a01": {"ADT", "A01", adtSample("A01", "ER^101^1^GEN")},
	"adt-a02": {"ADT", "A02", adtSample("A02", "ICU^201^2^GEN")},
	"adt-a03": {"ADT", "A03", adtSample("A03", "ICU^201^2^GEN")},
	"adt-a08": {"ADT", "A08", adtSample("A08", "ER^101^1^GEN")},
	"orm-o01": {"ORM", "O01", ormSample},
	"oru-r01": {"ORU", "R01", oruSample},
}

// SampleNames lists the names SampleMessage accepts.
func SampleNames() []string {
	names := make([]string, 0, len(samples))
	for n := range samples {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SampleMessage builds a well-formed message of the named kind (see
// SampleNames) carrying controlID in MSH-10. The sender is SENDAPP at
// SENDFAC and the receiver HL7GW at GATEWAY.
func SampleMessage(name, controlID string) ([]byte, error) {
	def, ok := samples[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("hl7v2: unknown sample %q (want one of %s)", name, strings.Join(SampleNames(), ", "))
	}
	d := DefaultDelimiters
	now := time.Now().UTC()

	segs := []Segment{buildMSH(d, def.msgType, def.trigger, controlID, now)}
	segs = append(segs, def.build(d, now)...)
	return NewMessage(d, segs...).Encode(), nil
}

func buildMSH(d Delimiters, msgType, trigger, controlID string, now time.Time) Segment {
	c := string(d.Component)
	return NewSegment(d, "MSH",
		"SENDAPP", "SENDFAC", "HL7GW", "GATEWAY",
		FormatTimestamp(now), "",
		msgType+c+trigger, d.EscapeText(controlID), "P", defaultVersion)
}

func buildEVN(d Delimiters, event string, now time.Time) Segment {
	return NewSegment(d, "EVN", event, FormatTimestamp(now))
}

// buildPID renders p into a PID segment; unset fields stay empty.
func buildPID(d Delimiters, p PatientInfo) Segment {
	c := string(d.Component)
	id := strings.Join([]string{d.EscapeText(p.PatientID), "", "", d.EscapeText(p.AssigningAuthority), d.EscapeText(p.IdentifierType)}, c)
	name := strings.Join([]string{d.EscapeText(p.Name.Family), d.EscapeText(p.Name.Given), d.EscapeText(p.Name.Middle)}, c)
	addr := strings.Join([]string{
		d.EscapeText(p.Address.Street), d.EscapeText(p.Address.Other), d.EscapeText(p.Address.City),
		d.EscapeText(p.Address.State), d.EscapeText(p.Address.PostalCode), d.EscapeText(p.Address.Country),
	}, c)

	fields := make([]string, PIDHomePhone)
	fields[PIDSetID-1] = "1"
	fields[PIDIdentifierList-1] = id
	fields[PIDPatientName-1] = name
	fields[PIDDateOfBirth-1] = "19800101"
	fields[PIDSex-1] = p.Gender
	fields[PIDAddress-1] = addr
	fields[PIDHomePhone-1] = d.EscapeText(p.HomePhone)
	return NewSegment(d, "PID", fields...)
}

func buildPV1(d Delimiters, location string, admitted time.Time, discharged bool) Segment {
	fields := make([]string, PV1DischargeDateTime)
	fields[PV1SetID-1] = "1"
	fields[PV1PatientClass-1] = "I"
	fields[PV1AssignedLocation-1] = location
	fields[PV1AttendingDoctor-1] = "1001" + string(d.Component) + "Smith" + string(d.Component) + "Jane"
	fields[PV1VisitNumber-1] = "V0001"
	fields[PV1AdmitDateTime-1] = FormatTimestamp(admitted)
	if discharged {
		fields[PV1DischargeDisposition-1] = "01"
		fields[PV1DischargeDateTime-1] = FormatTimestamp(admitted.Add(72 * time.Hour))
	}
	return NewSegment(d, "PV1", fields...)
}

func adtSample(event, location string) func(Delimiters, time.Time) []Segment {
	return func(d Delimiters, now time.Time) []Segment {
		admitted := now.Add(-72 * time.Hour)
		return []Segment{
			buildEVN(d, event, now),
			buildPID(d, samplePatient),
			buildPV1(d, location, admitted, event == "A03"),
		}
	}
}

func buildORC(d Delimiters, control, placer string) Segment {
	return NewSegment(d, "ORC", control, placer)
}

func buildOBR(d Delimiters, placer, filler, service string, at time.Time, status string) Segment {
	fields := make([]string, OBRResultStatus)
	fields[OBRSetID-1] = "1"
	fields[OBRPlacerOrderNumber-1] = placer
	fields[OBRFillerOrderNumber-1] = filler
	fields[OBRUniversalServiceID-1] = service
	fields[OBRObservationDateTime-1] = FormatTimestamp(at)
	fields[OBROrderingProvider-1] = "1001" + string(d.Component) + "Smith" + string(d.Component) + "Jane"
	fields[OBRResultStatus-1] = status
	return NewSegment(d, "OBR", fields...)
}

func buildOBX(d Delimiters, setID int, valueType, code, value, units, refRange, flags string, at time.Time) Segment {
	fields := make([]string, OBXObservationDateTime)
	fields[OBXSetID-1] = fmt.Sprintf("%d", setID)
	fields[OBXValueType-1] = valueType
	fields[OBXObservationIdentifier-1] = code
	fields[OBXObservationValue-1] = value
	fields[OBXUnits-1] = units
	fields[OBXReferenceRange-1] = refRange
	fields[OBXAbnormalFlags-1] = flags
	fields[OBXResultStatus-1] = "F"
	fields[OBXObservationDateTime-1] = FormatTimestamp(at)
	return NewSegment(d, "OBX", fields...)
}

func ormSample(d Delimiters, now time.Time) []Segment {
	c := string(d.Component)
	return []Segment{
		buildPID(d, samplePatient),
		buildORC(d, "NW", "ORD1001"),
		buildOBR(d, "ORD1001", "", "CBC"+c+"Complete Blood Count"+c+"L", now, ""),
	}
}

func oruSample(d Delimiters, now time.Time) []Segment {
	c := string(d.Component)
	return []Segment{
		buildPID(d, samplePatient),
		buildOBR(d, "ORD1001", "LAB2001", "CBC"+c+"Complete Blood Count"+c+"L", now, "F"),
		buildOBX(d, 1, "NM", "718-7"+c+"Hemoglobin"+c+"LN", "13.2", "g/dL", "12.0-16.0", "N", now),
		buildOBX(d, 2, "NM", "6690-2"+c+"WBC"+c+"LN", "11.8", "10*3/uL", "4.5-11.0", "H", now),
		buildOBX(d, 3, "ST", "8251-1"+c+"Comment"+c+"LN", "Specimen slightly hemolyzed", "", "", "", now),
	}
}
