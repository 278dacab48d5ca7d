package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFileClass(t *testing.T) {
	testCases := map[string]string{
		"model/weights.safetensors": "ai",
		"export.onnx":               "ai",
		"train.csv":                 "data",
		"events.jsonl":              "data",
		"main.go":                   "code",
		"README.md":                 "code",
		"Makefile":                  "code",
	}
	for path, expected := range testCases {
		if actual := fileClass(path); actual != expected {
			t.Errorf("fileClass(%q): expected %q, got %q", path, expected, actual)
		}
	}
}

func TestTrimSHA256(t *testing.T) {
	if actual := trimSHA256("sha256:abcd"); actual != "abcd" {
		t.Errorf("expected abcd, got %q", actual)
	}
	if actual := trimSHA256("abcd"); actual != "abcd" {
		t.Errorf("expected abcd, got %q", actual)
	}
}

func TestStatusCodeCapture(t *testing.T) {
	t.Run("explicit status survives later writes", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		writer := &statusCodeCapturingResponseWriter{recorder, false, 200}
		writer.WriteHeader(http.StatusTeapot)
		writer.WriteHeader(http.StatusOK)
		if writer.statusCode != http.StatusTeapot {
			t.Errorf("expected 418, got %d", writer.statusCode)
		}
	})
	t.Run("implicit 200 on body write", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		writer := &statusCodeCapturingResponseWriter{recorder, false, 200}
		if _, err := writer.Write([]byte("ok")); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		writer.WriteHeader(http.StatusInternalServerError)
		if writer.statusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", writer.statusCode)
		}
	})
}
