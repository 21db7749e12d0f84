package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeHandshake(t *testing.T) {
	tests := []struct {
		name         string
		record       string
		ready        bool
		startupError bool
		forensics    bool
		message      string
	}{
		{
			name:      "ready with forensics",
			record:    `{"status":"ready","ml":true,"forensics":true,"forensics_note":null}`,
			ready:     true,
			forensics: true,
		},
		{
			name:   "ready without forensics",
			record: `{"status":"ready","forensics":false,"forensics_note":"No module named df"}`,
			ready:  true,
		},
		{
			name:   "ready with non-boolean forensics",
			record: `{"status":"ready","forensics":"yes"}`,
			ready:  true,
		},
		{
			name:         "startup error",
			record:       `{"status":"error","message":"ML module failed to load"}`,
			startupError: true,
			message:      "ML module failed to load",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode(tt.record)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if env.IsReady() != tt.ready {
				t.Errorf("IsReady() = %v, want %v", env.IsReady(), tt.ready)
			}
			if env.IsStartupError() != tt.startupError {
				t.Errorf("IsStartupError() = %v, want %v", env.IsStartupError(), tt.startupError)
			}
			if env.Forensics != tt.forensics {
				t.Errorf("Forensics = %v, want %v", env.Forensics, tt.forensics)
			}
			if env.Message != tt.message {
				t.Errorf("Message = %q, want %q", env.Message, tt.message)
			}
			if env.IsResponse() {
				t.Error("handshake message should not be a response")
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name   string
		record string
		id     string
		errMsg string
	}{
		{"success", `{"id":"a","prediction":"Real","confidence":0.91}`, "a", ""},
		{"explicit null error", `{"id":"a","error":null,"prediction":"Real"}`, "a", ""},
		{"empty error string", `{"id":"a","error":""}`, "a", ""},
		{"zero error", `{"id":"a","error":0}`, "a", ""},
		{"zero float error", `{"id":"a","error":0.0}`, "a", ""},
		{"nonzero error code", `{"id":"b","error":1}`, "b", "1"},
		{"error message", `{"id":"b","error":"decode failed"}`, "b", "decode failed"},
		{"error object", `{"id":"b","error":{"code":7}}`, "b", `{"code":7}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode(tt.record)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if env.ID != tt.id {
				t.Errorf("ID = %q, want %q", env.ID, tt.id)
			}
			if env.Error != tt.errMsg {
				t.Errorf("Error = %q, want %q", env.Error, tt.errMsg)
			}
			if string(env.Raw) != tt.record {
				t.Errorf("Raw = %s, want %s", env.Raw, tt.record)
			}
		})
	}
}

func TestDecodeKeepsResultFields(t *testing.T) {
	env, err := Decode(`{"id":"a","prediction":"Real","confidence":0.91,"model_votes":{"resnet34":"Real"}}`)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.Fields["prediction"] != "Real" {
		t.Errorf("prediction = %v, want Real", env.Fields["prediction"])
	}
	if env.Fields["confidence"] != 0.91 {
		t.Errorf("confidence = %v, want 0.91", env.Fields["confidence"])
	}
	votes, ok := env.Fields["model_votes"].(map[string]any)
	if !ok || votes["resnet34"] != "Real" {
		t.Errorf("model_votes = %#v", env.Fields["model_votes"])
	}
}

func TestDecodeFailures(t *testing.T) {
	for _, rec := range []string{
		`not json`,
		`{"id":"a"`,
		`[1,2,3]`,
		`"ready"`,
		`42`,
		`null`,
		`{"id":"a"} trailing`,
	} {
		t.Run(rec, func(t *testing.T) {
			_, err := Decode(rec)
			if err == nil {
				t.Fatal("Decode() error = nil, want failure")
			}
			if !errors.Is(err, ErrDecode) {
				t.Errorf("error %v does not wrap ErrDecode", err)
			}
		})
	}
}

func TestEncodeRequest(t *testing.T) {
	line, err := EncodeRequest("a", "/tmp/x.jpg")
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	if want := "{\"id\":\"a\",\"image_path\":\"/tmp/x.jpg\"}\n"; string(line) != want {
		t.Errorf("EncodeRequest() = %q, want %q", line, want)
	}
}

func TestEncodeRequestSingleLine(t *testing.T) {
	path := "/tmp/evil\nname\r.jpg"
	line, err := EncodeRequest("id-1", path)
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	if n := bytes.Count(line, []byte{'\n'}); n != 1 {
		t.Fatalf("encoded line contains %d newlines, want 1", n)
	}
	if line[len(line)-1] != '\n' {
		t.Fatal("encoded line is not newline-terminated")
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.ImagePath != path {
		t.Errorf("ImagePath = %q, want %q", req.ImagePath, path)
	}
}
