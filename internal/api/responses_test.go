package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

// TestWriteJSONEnvelope 测试成功响应信封：code 跟随状态码，message 为 ok
func TestWriteJSONEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, 201, map[string]int{"chunks": 2})

	if rec.Code != 201 {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type: %q", ct)
	}

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Code != 201 || env.Message != "ok" || env.Data == nil {
		t.Errorf("unexpected envelope: %+v", env)
	}
	t.Logf("✅ Success envelope: code=%d message=%q", env.Code, env.Message)
}

// TestWriteErrorEnvelope 测试错误响应信封：message 携带错误描述且不带 data
func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, 400, "query is required")

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Code != 400 || env.Message != "query is required" {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if env.Data != nil {
		t.Errorf("error envelope should omit data, got %v", env.Data)
	}
	t.Logf("✅ Error envelope: code=%d message=%q", env.Code, env.Message)
}
