package grader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientGrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		var req struct {
			Code     string `json:"code"`
			TestCode string `json:"testCode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Code != "def hello(): return 1" {
			t.Errorf("unexpected code %q", req.Code)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"result": "OK\n"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second)
	out, err := client.Grade(context.Background(), "def hello(): return 1", "import unittest")
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if out != "OK\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestClientGradeEngineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "sandbox unavailable", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second)
	if _, err := client.Grade(context.Background(), "code", "tests"); err == nil {
		t.Fatal("expected error from 500 response")
	}
}

func TestClientGradeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]string{"result": "OK"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 50*time.Millisecond)
	if _, err := client.Grade(context.Background(), "code", "tests"); err == nil {
		t.Fatal("expected timeout error")
	}
}
