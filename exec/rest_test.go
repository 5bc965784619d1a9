package exec

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/dshills/skillflow/skill"
)

func restSkill(url string) *skill.Skill {
	return &skill.Skill{
		Name:        "fetch_invoice",
		Description: "asks the billing service for an invoice",
		Requires:    []string{"invoice_id"},
		Produces:    []string{"invoice"},
		Executor:    skill.ExecutorREST,
		REST: &skill.RESTConfig{
			URL:     url,
			Headers: map[string]string{"X-Api-Key": "secret"},
		},
	}
}

func TestExecute_RESTDispatch(t *testing.T) {
	var body restPayload
	var gotHeader atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader.Store(r.Header.Get("X-Api-Key"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	r, registry := newTestRunner(t, nil, func(cfg *Config) {
		cfg.CallbackURL = "https://orchestrator.example.com/callback"
	})
	sk := saveSkill(t, registry, restSkill(srv.URL+"/dispatch"))

	st := runState(map[string]any{"invoice_id": "inv-42"})
	res, err := r.Execute(context.Background(), sk, st, "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Pending || len(res.Outputs) != 0 {
		t.Fatalf("dispatch must return the pending sentinel, got %+v", res)
	}
	if !st.IsRestPending("fetch_invoice") {
		t.Error("skill must be marked pending on the run state")
	}

	if body.Skill != "fetch_invoice" || body.ThreadID != "t1" {
		t.Errorf("payload identity wrong: %+v", body)
	}
	if body.CallbackURL != "https://orchestrator.example.com/callback" {
		t.Errorf("payload missing callback url: %q", body.CallbackURL)
	}
	if body.Inputs["invoice_id"] != "inv-42" {
		t.Errorf("payload missing inputs: %v", body.Inputs)
	}
	if len(body.ExpectedOutputs) != 1 || body.ExpectedOutputs[0] != "invoice" {
		t.Errorf("payload must announce expected outputs: %v", body.ExpectedOutputs)
	}
	if got, _ := gotHeader.Load().(string); got != "secret" {
		t.Errorf("configured headers must be sent, got %q", got)
	}
}

func TestExecute_RESTAlreadyPending(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r, registry := newTestRunner(t, nil)
	sk := saveSkill(t, registry, restSkill(srv.URL))

	st := runState(map[string]any{"invoice_id": "inv-1"})
	st.AddRestPending("fetch_invoice")

	res, err := r.Execute(context.Background(), sk, st, "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Pending {
		t.Error("pending skill must stay pending")
	}
	if calls.Load() != 0 {
		t.Error("an already-pending skill must not be re-dispatched")
	}
}

func TestExecute_RESTRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r, registry := newTestRunner(t, nil)
	sk := saveSkill(t, registry, restSkill(srv.URL))

	st := runState(map[string]any{"invoice_id": "inv-1"})
	_, err := r.Execute(context.Background(), sk, st, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error must carry the remote status: %v", err)
	}
	if st.IsRestPending("fetch_invoice") {
		t.Error("a failed dispatch must not mark the skill pending")
	}
}

func TestExecute_RESTURLTemplating(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r, registry := newTestRunner(t, nil)
	sk := restSkill(srv.URL + "/invoices/{invoice_id}")
	saved := saveSkill(t, registry, sk)

	st := runState(map[string]any{"invoice_id": "inv-7"})
	if _, err := r.Execute(context.Background(), saved, st, ""); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got, _ := path.Load().(string); got != "/invoices/inv-7" {
		t.Errorf("url placeholders must render from inputs, got %q", got)
	}
}
