package hl7v2

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func doHandler(t *testing.T, fn func(echo.Context) error, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/parse", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := fn(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	return result
}

// =========== Parse Endpoint Tests ===========

func TestHandler_ParseMessage(t *testing.T) {
	h := NewHandler(nil)
	rec := doHandler(t, h.ParseMessage, scenarioADT)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("expected Content-Type containing 'application/json', got %q", ct)
	}

	result := decodeBody(t, rec)
	if result["ackCode"] != "AA" {
		t.Errorf("expected ackCode 'AA', got %v", result["ackCode"])
	}

	route, ok := result["route"].(map[string]interface{})
	if !ok {
		t.Fatal("expected route object in response")
	}
	if route["kind"] != "adt" || route["event"] != "admission" {
		t.Errorf("unexpected route: %v", route)
	}

	segments, ok := result["segments"].([]interface{})
	if !ok || len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %v", result["segments"])
	}
	pid := segments[1].(map[string]interface{})
	if pid["type"] != "PID" || pid["seq"] != float64(1) {
		t.Errorf("unexpected PID segment: %v", pid)
	}

	if _, ok := result["record"].(map[string]interface{}); !ok {
		t.Errorf("expected projected record in response, got %v", result["record"])
	}
	if _, ok := result["error"]; ok {
		t.Errorf("expected no error, got %v", result["error"])
	}
}

func TestHandler_ParseMessage_Invalid(t *testing.T) {
	rec := doHandler(t, NewHandler(nil).ParseMessage, "this is not a valid hl7 message")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	result := decodeBody(t, rec)
	if result["ackCode"] != "AR" {
		t.Errorf("expected ackCode 'AR', got %v", result["ackCode"])
	}
	if errMsg, _ := result["error"].(string); !strings.Contains(errMsg, "parse error") {
		t.Errorf("expected parse error message, got %v", result["error"])
	}
}

func TestHandler_ParseMessage_MissingSegment(t *testing.T) {
	rec := doHandler(t, NewHandler(nil).ParseMessage, scenarioADTNoPID)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
	result := decodeBody(t, rec)
	if result["ackCode"] != "AE" {
		t.Errorf("expected ackCode 'AE', got %v", result["ackCode"])
	}
	if _, ok := result["header"].(map[string]interface{}); !ok {
		t.Error("expected header even when projection fails")
	}
	if _, ok := result["record"]; ok {
		t.Errorf("expected no record, got %v", result["record"])
	}
}

func TestHandler_ParseMessage_Unsupported(t *testing.T) {
	rec := doHandler(t, NewHandler(nil).ParseMessage, "MSH|^~\\&|A|B|C|D|20240101||SIU^S12|1|P|2.5\r")

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
	result := decodeBody(t, rec)
	if result["ackCode"] != "AR" {
		t.Errorf("expected ackCode 'AR', got %v", result["ackCode"])
	}
	route, _ := result["route"].(map[string]interface{})
	if route["kind"] != "unsupported" {
		t.Errorf("expected unsupported route, got %v", route)
	}
}

func TestHandler_ParseMessage_FieldStructure(t *testing.T) {
	rec := doHandler(t, NewHandler(nil).ParseMessage, sampleADT)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Segments []struct {
			Type   string `json:"type"`
			Fields []struct {
				Number     int        `json:"number"`
				Value      string     `json:"value"`
				Components []string   `json:"components"`
				Repeats    [][]string `json:"repeats"`
			} `json:"fields"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	var found bool
	for _, seg := range resp.Segments {
		if seg.Type != "PID" {
			continue
		}
		found = true
		f := seg.Fields[2]
		if f.Number != 3 {
			t.Fatalf("expected PID-3 at index 2, got field %d", f.Number)
		}
		if len(f.Repeats) != 2 {
			t.Errorf("expected two PID-3 repetitions, got %v", f.Repeats)
		}
		name := seg.Fields[4]
		if len(name.Components) < 2 || name.Components[0] != "Doe" {
			t.Errorf("expected PID-5 components, got %v", name.Components)
		}
	}
	if !found {
		t.Fatal("expected PID segment in response")
	}
}

func TestHandler_EmptyBody(t *testing.T) {
	h := NewHandler(newTestProcessor(nil, nil))
	for name, fn := range map[string]func(echo.Context) error{
		"parse":   h.ParseMessage,
		"process": h.ProcessMessage,
	} {
		t.Run(name, func(t *testing.T) {
			rec := doHandler(t, fn, "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestHandler_BodyTooLarge(t *testing.T) {
	body := strings.Repeat("x", maxBodyBytes+1)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/parse", strings.NewReader(body))
	rec := httptest.NewRecorder()
	err := NewHandler(nil).ParseMessage(e.NewContext(req, rec))

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %v", err)
	}
}

// =========== Process Endpoint Tests ===========

func TestHandler_ProcessMessage(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(newTestProcessor(sink, nil))
	rec := doHandler(t, h.ProcessMessage, scenarioADT)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	result := decodeBody(t, rec)
	if result["ackCode"] != "AA" || result["controlId"] != "CTRL001" {
		t.Errorf("unexpected result: ackCode=%v controlId=%v", result["ackCode"], result["controlId"])
	}
	ack, _ := result["ack"].(string)
	if !strings.Contains(ack, "MSA|AA|CTRL001") {
		t.Errorf("expected ACK text with MSA|AA|CTRL001, got %q", ack)
	}
	if sink.count() != 1 {
		t.Errorf("expected one handoff, got %d", sink.count())
	}
}

func TestHandler_ProcessMessage_ErrorsStillOK(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"missing pid", scenarioADTNoPID, "AE"},
		{"garbage", "garbage", "AR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(newTestProcessor(&recordingSink{}, nil))
			rec := doHandler(t, h.ProcessMessage, tt.body)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			result := decodeBody(t, rec)
			if result["ackCode"] != tt.code {
				t.Errorf("expected ackCode %s, got %v", tt.code, result["ackCode"])
			}
			if result["error"] == nil {
				t.Error("expected error text in response")
			}
		})
	}
}

func TestHandler_ProcessMessage_NoProcessor(t *testing.T) {
	rec := doHandler(t, NewHandler(nil).ProcessMessage, scenarioADT)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	g := e.Group("/api/v1")
	NewHandler(newTestProcessor(nil, nil)).RegisterRoutes(g)

	routes := e.Routes()
	want := map[string]bool{
		"POST /api/v1/hl7v2/parse":   false,
		"POST /api/v1/hl7v2/process": false,
	}
	for _, r := range routes {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("missing route: %s", route)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/process", strings.NewReader(sampleORM))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 through the router, got %d", rec.Code)
	}
	if decodeBody(t, rec)["ackCode"] != "AA" {
		t.Errorf("expected AA through the router, got %s", rec.Body.String())
	}
}
