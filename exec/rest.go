package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// defaultRESTTimeout bounds the dispatch request when the skill does
// not configure one.
const defaultRESTTimeout = 30 * time.Second

// restPayload is the dispatch body sent to the remote service. The
// service is expected to acknowledge, do its work, and post results to
// callback_url when done.
type restPayload struct {
	Skill           string         `json:"skill"`
	ThreadID        string         `json:"thread_id"`
	CallbackURL     string         `json:"callback_url"`
	Inputs          map[string]any `json:"inputs"`
	ExpectedOutputs []string       `json:"expected_outputs"`
	SOP             string         `json:"sop"`
}

// runREST performs the dispatch phase of a REST skill: notify the
// remote service and park the run until the callback arrives. A skill
// already awaiting its callback is left untouched.
func (r *Runner) runREST(ctx context.Context, req *request) (*Result, error) {
	sk, st := req.sk, req.st
	if sk.REST == nil {
		return nil, fmt.Errorf("skill %q: rest executor without a rest block", sk.Name)
	}
	if st.IsRestPending(sk.Name) {
		return &Result{Pending: true}, nil
	}

	url, err := renderTemplate(sk.REST.URL, req.inputs)
	if err != nil {
		return nil, fmt.Errorf("skill %q url: %w", sk.Name, err)
	}

	payload := restPayload{
		Skill:           sk.Name,
		ThreadID:        st.ThreadID,
		CallbackURL:     r.callback,
		Inputs:          req.inputs,
		ExpectedOutputs: sk.AllProduces(),
		SOP:             st.LaymanSOP,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("skill %q: encode dispatch payload: %w", sk.Name, err)
	}

	method := strings.ToUpper(sk.REST.Method)
	if method == "" {
		method = http.MethodPost
	}
	timeout := defaultRESTTimeout
	if sk.REST.TimeoutSeconds > 0 {
		timeout = time.Duration(sk.REST.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("skill %q: build dispatch request: %w", sk.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range sk.REST.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("skill %q: dispatch to %s failed: %w", sk.Name, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("skill %q: remote service returned status %d: %s", sk.Name, resp.StatusCode, truncate(string(detail), 200))
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16)) //nolint:errcheck

	st.AddRestPending(sk.Name)
	r.bus.Info(ctx, st.ThreadID, fmt.Sprintf("Dispatched %s to remote service; awaiting callback", sk.Name))
	return &Result{Pending: true}, nil
}
