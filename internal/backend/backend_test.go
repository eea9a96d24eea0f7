package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func addrOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestClient_Submit_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/easy/submit" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req submitRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Code != "task1" {
			t.Errorf("expected code task1, got %s", req.Code)
		}
		json.NewEncoder(w).Encode(submitResponse{Success: true})
	}))
	defer srv.Close()

	c := New()
	accepted, err := c.Submit(context.Background(), addrOf(srv), "task1", "/code/data/v.mp4", "/code/data/a.wav", SubmitOptions{SuperRes: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !accepted {
		t.Error("expected submission to be accepted")
	}
}

func TestClient_Submit_RejectedOnFalseSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(submitResponse{Success: false, Message: "busy"})
	}))
	defer srv.Close()

	c := New()
	accepted, err := c.Submit(context.Background(), addrOf(srv), "task1", "v", "a", SubmitOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if accepted {
		t.Error("expected rejection when backend reports success=false")
	}
}

func TestClient_Submit_HTTPErrorIsRejectionNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New()
	accepted, err := c.Submit(context.Background(), addrOf(srv), "task1", "v", "a", SubmitOptions{})
	if err != nil {
		t.Fatalf("a 5xx should not be a transport error, got %v", err)
	}
	if accepted {
		t.Error("expected rejection on HTTP 500")
	}
}

func TestClient_Query_Decodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("code"); got != "task1" {
			t.Errorf("expected code=task1, got %s", got)
		}
		env := queryEnvelope{}
		env.Data.Status = 1
		env.Data.Progress = 42
		env.Data.Result = "/code/data/out.mp4"
		json.NewEncoder(w).Encode(env)
	}))
	defer srv.Close()

	c := New()
	res, err := c.Query(context.Background(), addrOf(srv), "task1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Phase != PhaseProcessing {
		t.Errorf("expected PhaseProcessing, got %s", res.Phase)
	}
	if res.ProgressPct != 42 {
		t.Errorf("expected progress 42, got %d", res.ProgressPct)
	}
}

func TestClient_Query_HTTPErrorIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New()
	_, err := c.Query(context.Background(), addrOf(srv), "task1")
	if err == nil {
		t.Error("expected a query error on HTTP 500")
	}
}

func TestDecodePhase(t *testing.T) {
	cases := []struct {
		status int
		want   Phase
	}{
		{0, PhasePending},
		{1, PhaseProcessing},
		{2, PhaseCompleted},
		{3, PhaseFailed},
		{99, PhaseProcessing},
	}
	for _, c := range cases {
		if got := decodePhase(c.status); got != c.want {
			t.Errorf("decodePhase(%d) = %s, want %s", c.status, got, c.want)
		}
	}
}

func TestClient_TTSInvoke_UndersizedResponseErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("too small"))
	}))
	defer srv.Close()

	c := New()
	_, err := c.TTSInvoke(context.Background(), addrOf(srv), "hello", "/ref.wav", "wav")
	if err == nil {
		t.Error("expected an error for an undersized tts response")
	}
}

func TestClient_TTSInvoke_Success(t *testing.T) {
	payload := make([]byte, minTTSBytes+1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	c := New()
	audio, err := c.TTSInvoke(context.Background(), addrOf(srv), "hello", "/ref.wav", "wav")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(audio) != len(payload) {
		t.Errorf("expected %d bytes, got %d", len(payload), len(audio))
	}
}

func TestClient_TTSInvoke_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New()
	_, err := c.TTSInvoke(context.Background(), addrOf(srv), "hello", "/ref.wav", "wav")
	if err == nil {
		t.Error("expected an error on a non-200 tts response")
	}
}
