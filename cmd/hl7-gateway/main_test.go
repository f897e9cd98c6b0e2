package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7gateway/internal/config"
	"github.com/ehr/hl7gateway/internal/domain/inbound"
	"github.com/ehr/hl7gateway/internal/platform/auth"
	"github.com/ehr/hl7gateway/internal/platform/db"
	"github.com/ehr/hl7gateway/internal/platform/hl7v2"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func testConfig(env string) *config.Config {
	return &config.Config{
		Env:                env,
		LogLevel:           "info",
		Port:               "0",
		CORSOrigins:        []string{"*"},
		RateLimitRPS:       1000,
		RateLimitBurst:     1000,
		MLLPAddr:           "127.0.0.1:0",
		MLLPReadTimeout:    time.Minute,
		MLLPWriteTimeout:   5 * time.Second,
		MLLPMaxFrameBytes:  1 << 20,
		HandoffTimeout:     time.Second,
		AckApplication:     "HL7GW",
		AckFacility:        "GATEWAY",
		AuthSigningKey:     testSigningKey,
		AuthIssuer:         "hl7-gateway",
		WebhookEvents:      []string{"*"},
		WebhookMaxAttempts: 1,
		WebhookTimeout:     5 * time.Second,
	}
}

// runCmd executes the root command with args and returns what it wrote to
// stdout.
func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeSample(t *testing.T, name, controlID string) string {
	t.Helper()
	payload, err := hl7v2.SampleMessage(name, controlID)
	if err != nil {
		t.Fatalf("SampleMessage(%s): %v", name, err)
	}
	path := filepath.Join(t.TempDir(), name+".hl7")
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"serve": false, "migrate": false, "parse": false, "send": false, "token": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("expected persistent --config flag")
	}
}

func TestMigrateCmd_Subcommands(t *testing.T) {
	cmd := migrateCmd()
	for _, name := range []string{"up", "status"} {
		sub, _, err := cmd.Find([]string{name})
		if err != nil || sub.Name() != name {
			t.Fatalf("migrate %s not registered", name)
		}
		if sub.Flags().Lookup("schema") == nil || sub.Flags().Lookup("dir") == nil {
			t.Errorf("migrate %s: expected --schema and --dir flags", name)
		}
		if got, _ := sub.Flags().GetString("schema"); got != db.DefaultSchema {
			t.Errorf("migrate %s: default schema = %q, want %q", name, got, db.DefaultSchema)
		}
	}
}

func TestMigrationSource(t *testing.T) {
	m := db.NewMigrator(nil, migrationSource(""), "")
	embedded, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("load embedded: %v", err)
	}
	if len(embedded) == 0 {
		t.Fatal("expected embedded migrations")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "007_extra.sql"), []byte("SELECT 1;"), 0o600); err != nil {
		t.Fatal(err)
	}
	m = db.NewMigrator(nil, migrationSource(dir), "")
	fromDir, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(fromDir) != 1 || fromDir[0].Version != 7 {
		t.Errorf("expected only version 7 from dir, got %+v", fromDir)
	}
}

func TestMigrateUp_RequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := runCmd(t, "migrate", "up")
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
}

func TestParseCmd_Accepts(t *testing.T) {
	path := writeSample(t, "oru-r01", "PARSE1")

	out, err := runCmd(t, "parse", path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got["ackCode"] != "AA" {
		t.Errorf("ackCode = %v, want AA", got["ackCode"])
	}
	route, _ := got["route"].(map[string]interface{})
	if route["kind"] != "oru" {
		t.Errorf("route.kind = %v, want oru", route["kind"])
	}
	if got["record"] == nil {
		t.Error("expected projected record")
	}
	if _, ok := got["error"]; ok {
		t.Errorf("unexpected error field: %v", got["error"])
	}
}

func TestParseCmd_Rejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.hl7")
	if err := os.WriteFile(path, []byte("PID|1||123"), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "parse", path)
	if err == nil {
		t.Fatal("expected an error for an unparseable message")
	}
	var got map[string]interface{}
	if jerr := json.Unmarshal([]byte(out), &got); jerr != nil {
		t.Fatalf("output is not JSON: %v\n%s", jerr, out)
	}
	if got["ackCode"] != "AR" {
		t.Errorf("ackCode = %v, want AR", got["ackCode"])
	}
}

func TestParseCmd_Stdin(t *testing.T) {
	payload, err := hl7v2.SampleMessage("adt-a01", "STDIN1")
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(bytes.NewReader(payload))
	root.SetArgs([]string{"parse", "-"})
	if err := root.Execute(); err != nil {
		t.Fatalf("parse -: %v", err)
	}
	if !strings.Contains(out.String(), `"STDIN1"`) {
		t.Errorf("expected control ID in output:\n%s", out.String())
	}
}

func TestParseCmd_MissingFile(t *testing.T) {
	_, err := runCmd(t, "parse", filepath.Join(t.TempDir(), "nope.hl7"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func mustApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	return a
}

func startTestApp(t *testing.T) *app {
	t.Helper()
	a := mustApp(t, testConfig("development"))
	if err := a.mllp.Start(); err != nil {
		t.Fatalf("start MLLP: %v", err)
	}
	t.Cleanup(func() { a.mllp.Stop() })
	return a
}

func TestSendCmd_Sample(t *testing.T) {
	a := startTestApp(t)

	out, err := runCmd(t, "send", "--addr", a.mllp.Addr(), "--sample", "adt-a01", "--control-id", "SEND1", "--timeout", "5s")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasPrefix(out, "AA SEND1") {
		t.Errorf("output = %q, want AA SEND1", out)
	}

	msgs, total, err := a.inbound.ListMessages(context.Background(), inbound.ListFilter{ControlID: "SEND1"}, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || msgs[0].Kind != "adt" || msgs[0].Event != "admission" {
		t.Errorf("stored = %d %+v, want one adt admission", total, msgs)
	}
}

func TestSendCmd_File(t *testing.T) {
	a := startTestApp(t)
	path := writeSample(t, "orm-o01", "FILE1")

	out, err := runCmd(t, "send", "--addr", a.mllp.Addr(), "--file", path, "--timeout", "5s")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasPrefix(out, "AA FILE1") {
		t.Errorf("output = %q, want AA FILE1", out)
	}
}

func TestSendCmd_NonAcceptIsError(t *testing.T) {
	a := startTestApp(t)
	path := filepath.Join(t.TempDir(), "qry.hl7")
	msg := "MSH|^~\\&|APP|FAC|HL7GW|GATEWAY|20240101120000||QRY^A19|Q1|P|2.5\r"
	if err := os.WriteFile(path, []byte(msg), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "send", "--addr", a.mllp.Addr(), "--file", path, "--timeout", "5s")
	if err == nil {
		t.Fatal("expected error for a rejected message")
	}
	if !strings.HasPrefix(out, "AR Q1") {
		t.Errorf("output = %q, want AR Q1", out)
	}
}

func TestSendCmd_Flags(t *testing.T) {
	if _, err := runCmd(t, "send"); err == nil {
		t.Error("expected error without --file or --sample")
	}
	if _, err := runCmd(t, "send", "--file", "x.hl7", "--sample", "adt-a01"); err == nil {
		t.Error("expected error with both --file and --sample")
	}
	if _, err := runCmd(t, "send", "--sample", "nope"); err == nil {
		t.Error("expected error for unknown sample")
	}
}

func TestTokenCmd(t *testing.T) {
	t.Setenv("AUTH_SIGNING_KEY", testSigningKey)
	t.Setenv("AUTH_ISSUER", "hl7-gateway")
	t.Setenv("AUTH_AUDIENCE", "")

	out, err := runCmd(t, "token", "--subject", "feed-bot", "--role", "operator", "--ttl", "10m")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	claims, err := auth.ParseToken(auth.JWTConfig{
		Issuer:     "hl7-gateway",
		SigningKey: []byte(testSigningKey),
	}, strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Subject != "feed-bot" {
		t.Errorf("subject = %q, want feed-bot", claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != auth.RoleOperator {
		t.Errorf("roles = %v, want [operator]", claims.Roles)
	}
}

func TestTokenCmd_Errors(t *testing.T) {
	t.Setenv("AUTH_SIGNING_KEY", "")
	if _, err := runCmd(t, "token", "--subject", "x"); err == nil {
		t.Error("expected error without a signing key")
	}
	if _, err := runCmd(t, "token"); err == nil {
		t.Error("expected error without --subject")
	}
}

func doRequest(t *testing.T, a *app, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func TestApp_HealthAndMetrics(t *testing.T) {
	a := mustApp(t, testConfig("production"))

	rec := doRequest(t, a, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/health = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on response")
	}

	rec = doRequest(t, a, http.MethodGet, "/health/db", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"memory"`) {
		t.Errorf("/health/db = %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, a, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d", rec.Code)
	}
}

func TestApp_ProcessThenList(t *testing.T) {
	a := mustApp(t, testConfig("development"))
	payload, err := hl7v2.SampleMessage("oru-r01", "HTTP1")
	if err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, a, http.MethodPost, "/api/v1/hl7v2/process", string(payload), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("process = %d %s", rec.Code, rec.Body.String())
	}
	var proc struct {
		ControlID string `json:"controlId"`
		AckCode   string `json:"ackCode"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &proc); err != nil {
		t.Fatal(err)
	}
	if proc.AckCode != "AA" || proc.ControlID != "HTTP1" {
		t.Fatalf("process response = %+v", proc)
	}

	rec = doRequest(t, a, http.MethodGet, "/api/v1/messages?kind=oru", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d %s", rec.Code, rec.Body.String())
	}
	var list struct {
		Data  []inbound.Message `json:"data"`
		Total int               `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 || list.Data[0].ControlID != "HTTP1" {
		t.Errorf("list = %+v", list)
	}

	rec = doRequest(t, a, http.MethodGet, "/api/v1/messages/"+list.Data[0].ID.String(), "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("get = %d", rec.Code)
	}
}

func TestApp_RoleEnforcement(t *testing.T) {
	cfg := testConfig("production")
	a := mustApp(t, cfg)
	jc := jwtConfig(cfg)

	viewer, err := auth.IssueToken(jc, "viewer-1", []string{auth.RoleViewer}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	operator, err := auth.IssueToken(jc, "operator-1", []string{auth.RoleOperator}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := hl7v2.SampleMessage("adt-a08", "ROLE1")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		token  string
		want   int
	}{
		{"list without token", http.MethodGet, "/api/v1/messages", "", "", http.StatusUnauthorized},
		{"list as viewer", http.MethodGet, "/api/v1/messages", "", viewer, http.StatusOK},
		{"process as viewer", http.MethodPost, "/api/v1/hl7v2/process", string(payload), viewer, http.StatusForbidden},
		{"process as operator", http.MethodPost, "/api/v1/hl7v2/process", string(payload), operator, http.StatusOK},
		{"parse as operator", http.MethodPost, "/api/v1/hl7v2/parse", string(payload), operator, http.StatusOK},
		{"bad token", http.MethodGet, "/api/v1/messages", "", "not-a-token", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, a, tt.method, tt.path, tt.body, tt.token)
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestApp_ShutdownDrainsListener(t *testing.T) {
	a := mustApp(t, testConfig("development"))
	if err := a.mllp.Start(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n := a.mllp.ConnCount(); n != 0 {
		t.Errorf("ConnCount = %d after shutdown", n)
	}
}

func TestApp_WebhookForwarding(t *testing.T) {
	received := make(chan *http.Request, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := testConfig("development")
	cfg.WebhookURLs = []string{ts.URL + "/adt"}
	cfg.WebhookEvents = []string{"hl7.adt.*"}
	a := mustApp(t, cfg)
	a.webhooks.Start(1)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.webhooks.Close(ctx)
	})

	payload, _ := hl7v2.SampleMessage("adt-a02", "HOOK1")
	rec := doRequest(t, a, http.MethodPost, "/api/v1/hl7v2/process", string(payload), "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"AA"`) {
		t.Fatalf("process = %d %s", rec.Code, rec.Body.String())
	}

	select {
	case r := <-received:
		if r.URL.Path != "/adt" || r.Header.Get("X-Webhook-Event") != "hl7.adt.transfer" {
			t.Errorf("unexpected delivery %s %s", r.URL.Path, r.Header.Get("X-Webhook-Event"))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}

	rec = doRequest(t, a, http.MethodGet, "/api/v1/webhooks", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), ts.URL+"/adt") {
		t.Errorf("webhook list = %d %s", rec.Code, rec.Body.String())
	}
}

func TestNewApp_RejectsBadWebhookURL(t *testing.T) {
	cfg := testConfig("development")
	cfg.WebhookURLs = []string{"mailto:ops@example.com"}
	if _, err := newApp(cfg, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for non-http webhook URL")
	}
}
