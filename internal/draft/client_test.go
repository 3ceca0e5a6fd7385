package draft

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func generateServer(t *testing.T, response string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"response": response})
	}))
	t.Cleanup(srv.Close)
	return srv
}

var sdrVars = map[string]string{"name": "Ada", "company": "Acme", "email": "ada@acme.test"}

func TestHTTPClientKeepsExplicitZeroConfidence(t *testing.T) {
	structured := `{"content":"Hello Ada, quick note about Acme.","fields":{"tone":"warm"},"confidence":0}`
	srv := generateServer(t, structured)
	c := HTTPClient{Endpoint: srv.URL, Model: "test"}

	d, err := c.Generate(context.Background(), "sdr_outreach", sdrVars)
	if err != nil {
		t.Fatal(err)
	}
	if d.Confidence != 0 {
		t.Errorf("confidence = %v, want the model's explicit 0", d.Confidence)
	}
	if d.Content != "Hello Ada, quick note about Acme." {
		t.Errorf("content = %q", d.Content)
	}
}

func TestHTTPClientScoresUnscoredResponse(t *testing.T) {
	srv := generateServer(t, "Hello Ada, a short plain-text note about Acme for you.")
	c := HTTPClient{Endpoint: srv.URL, Model: "test"}

	d, err := c.Generate(context.Background(), "sdr_outreach", sdrVars)
	if err != nil {
		t.Fatal(err)
	}
	if d.Confidence <= 0 {
		t.Errorf("confidence = %v, want a heuristic score", d.Confidence)
	}
}

func TestHTTPClientServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	c := HTTPClient{Endpoint: srv.URL, Model: "test"}

	_, err := c.Generate(context.Background(), "sdr_outreach", sdrVars)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
