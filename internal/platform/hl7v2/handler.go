package hl7v2

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// maxBodyBytes bounds request bodies read by the handler.
const maxBodyBytes = DefaultMaxFrameSize

// Handler exposes the core over HTTP for testing and manual submission.
type Handler struct {
	processor *Processor
}

// NewHandler creates a new HL7v2 handler. processor may be nil, in which
// case only the parse endpoint is useful.
func NewHandler(processor *Processor) *Handler {
	return &Handler{processor: processor}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /api/v1/hl7v2/parse    - Parse, route and project; no side effects
//	POST /api/v1/hl7v2/process  - Full pipeline including hand-off; returns the ACK
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
	g.POST("/hl7v2/process", h.ProcessMessage)
}

// segmentJSON is the JSON representation of a parsed segment.
type segmentJSON struct {
	Type   string      `json:"type"`
	Seq    int         `json:"seq"`
	Fields []fieldJSON `json:"fields"`
}

// fieldJSON is the JSON representation of a parsed field.
type fieldJSON struct {
	Number     int        `json:"number"`
	Value      string     `json:"value"`
	Components []string   `json:"components,omitempty"`
	Repeats    [][]string `json:"repeats,omitempty"`
}

// parseResponse is the body of POST /hl7v2/parse.
type parseResponse struct {
	Header      *MessageHeader `json:"header,omitempty"`
	Route       *Route         `json:"route,omitempty"`
	Record      Record         `json:"record,omitempty"`
	Segments    []segmentJSON  `json:"segments,omitempty"`
	Diagnostics []Diagnostic   `json:"diagnostics,omitempty"`
	AckCode     AckCode        `json:"ackCode"`
	Error       string         `json:"error,omitempty"`
}

// processResponse is the body of POST /hl7v2/process.
type processResponse struct {
	ControlID string  `json:"controlId"`
	AckCode   AckCode `json:"ackCode"`
	Ack       string  `json:"ack"`
	Record    Record  `json:"record,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// ParseMessage handles POST /api/v1/hl7v2/parse.
// It reads a raw HL7v2 message from the request body and returns the
// segment tree, header, route and projected record as JSON. ackCode reports
// what the gateway would acknowledge, ignoring hand-off.
func (h *Handler) ParseMessage(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}

	in, perr := Interpret(body)
	resp := parseResponse{
		Header:  in.Header,
		Record:  in.Record,
		AckCode: AckCodeFor(perr),
	}
	if in.Header != nil {
		route := in.Route
		resp.Route = &route
	}
	if in.Message != nil {
		resp.Segments = segmentsJSON(in.Message)
		resp.Diagnostics = in.Message.Diagnostics
	}
	if perr != nil {
		resp.Error = perr.Error()
	}

	status := http.StatusOK
	if errors.Is(perr, ErrParse) {
		status = http.StatusBadRequest
	} else if perr != nil {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, resp)
}

// ProcessMessage handles POST /api/v1/hl7v2/process.
// It runs the full pipeline, including the sink hand-off and fan-out, and
// returns the acknowledgment that would have been written to an MLLP peer.
func (h *Handler) ProcessMessage(c echo.Context) error {
	if h.processor == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "message processing is not configured")
	}
	body, err := readBody(c)
	if err != nil {
		return err
	}

	res := h.processor.Process(c.Request().Context(), body, c.RealIP())
	resp := processResponse{
		ControlID: res.ControlID,
		AckCode:   res.Code,
		Ack:       string(res.AckBytes()),
		Record:    res.Record,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	// The acknowledgment is the answer; a non-AA code is still a successful
	// request.
	return c.JSON(http.StatusOK, resp)
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}
	if len(body) > maxBodyBytes {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "message exceeds maximum size")
	}
	return body, nil
}

func segmentsJSON(msg *Message) []segmentJSON {
	segments := make([]segmentJSON, len(msg.Segments))
	for i, seg := range msg.Segments {
		fields := make([]fieldJSON, len(seg.Fields))
		for j, f := range seg.Fields {
			fj := fieldJSON{Number: f.Number, Value: f.Value}
			if len(f.Components) > 1 {
				fj.Components = componentValues(f.Components)
			}
			if len(f.Repeats) > 1 {
				for _, rep := range f.Repeats {
					fj.Repeats = append(fj.Repeats, componentValues(rep))
				}
			}
			fields[j] = fj
		}
		segments[i] = segmentJSON{
			Type:   seg.Type,
			Seq:    seg.Seq,
			Fields: fields,
		}
	}
	return segments
}

func componentValues(comps []Component) []string {
	out := make([]string, len(comps))
	for i, c := range comps {
		out[i] = c.Value
	}
	return out
}
