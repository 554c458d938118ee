package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	valid := map[string][]string{
		"render": nil,
		"select": {"target"},
	}

	tests := []struct {
		name        string
		contentType string
		body        string
		wantCommand string
		wantErr     string
	}{
		{
			name:        "valid command",
			contentType: "application/json",
			body:        `{"command":"render"}`,
			wantCommand: "render",
		},
		{
			name:        "content type with charset",
			contentType: "application/json; charset=utf-8",
			body:        `{"command":"render"}`,
			wantCommand: "render",
		},
		{
			name:        "form body",
			contentType: "application/x-www-form-urlencoded",
			body:        `command=render`,
			wantErr:     "Expected content-type JSON",
		},
		{
			name:        "malformed json",
			contentType: "application/json",
			body:        `{"command":`,
			wantErr:     "Malformed JSON body in request",
		},
		{
			name:        "json array",
			contentType: "application/json",
			body:        `["render"]`,
			wantErr:     "Malformed JSON body in request",
		},
		{
			name:        "unknown command",
			contentType: "application/json",
			body:        `{"command":"explode"}`,
			wantErr:     "Expected valid command",
		},
		{
			name:        "missing command",
			contentType: "application/json",
			body:        `{}`,
			wantErr:     "Expected valid command",
		},
		{
			name:        "missing mandatory parameter",
			contentType: "application/json",
			body:        `{"command":"select"}`,
			wantErr:     "Mandatory parameter target missing for command select",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)

			command, _, err := parseCommand(req, valid)
			if tt.wantErr != "" {
				if err == nil || err.Error() != tt.wantErr {
					t.Fatalf("Expected error %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if command != tt.wantCommand {
				t.Errorf("Expected command %s, got %s", tt.wantCommand, command)
			}
		})
	}
}

func TestIsTruthy(t *testing.T) {
	for _, value := range []string{"true", "TRUE", "yes", "Y", "1", "on", " On "} {
		if !isTruthy(value) {
			t.Errorf("Expected %q to be true", value)
		}
	}
	for _, value := range []string{"", "false", "0", "no", "off", "nope"} {
		if isTruthy(value) {
			t.Errorf("Expected %q to be false", value)
		}
	}
}

func TestReadParams(t *testing.T) {
	req := httptest.NewRequest("POST", "/?unrendered=true", strings.NewReader(`{"type":"timed","fps":30,"save":true,"extra":null}`))
	req.Header.Set("Content-Type", "application/json")

	p, err := readParams(req)
	if err != nil {
		t.Fatalf("readParams() error = %v", err)
	}

	want := map[string]string{"type": "timed", "fps": "30", "save": "true", "unrendered": "true"}
	for key, value := range want {
		if p[key] != value {
			t.Errorf("Expected %s=%s, got %q", key, value, p[key])
		}
	}
	if p.has("extra") {
		t.Error("Expected null values to be skipped")
	}

	req = httptest.NewRequest("POST", "/?fps=12", strings.NewReader("type=zchange&postRoll=3"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	p, err = readParams(req)
	if err != nil {
		t.Fatalf("readParams() error = %v", err)
	}
	if p["type"] != "zchange" || p["postRoll"] != "3" || p["fps"] != "12" {
		t.Errorf("Unexpected form params %v", p)
	}
}

func TestReadParams_Multipart(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("type", "timed")
	mw.WriteField("interval", "4")
	mw.Close()

	req := httptest.NewRequest("POST", "/?unrendered=1", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	p, err := readParams(req)
	if err != nil {
		t.Fatalf("readParams() error = %v", err)
	}
	if p["type"] != "timed" || p["interval"] != "4" || p["unrendered"] != "1" {
		t.Errorf("Unexpected multipart params %v", p)
	}
}

func TestSendHelpers(t *testing.T) {
	w := httptest.NewRecorder()
	sendError(w, http.StatusInternalServerError, "disk on fire")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status code %d, got %d", http.StatusInternalServerError, w.Code)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Expected JSON content type, got %s", w.Header().Get("Content-Type"))
	}
	if strings.TrimSpace(w.Body.String()) != `{"error":"disk on fire"}` {
		t.Errorf("Unexpected body %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	sendText(w, http.StatusConflict, "busy")
	if w.Body.String() != "busy" || !strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("Unexpected text response %q (%s)", w.Body.String(), w.Header().Get("Content-Type"))
	}
}
