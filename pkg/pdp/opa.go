package pdp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/acgs2/agentbus/pkg/contracts"
)

const (
	defaultOPATimeout = 200 * time.Millisecond
	defaultOPAPath    = "/v1/data/acgs2/governance"
)

// OPAConfig configures the OPA adapter.
type OPAConfig struct {
	// URL is the base URL of the OPA server (e.g. "http://localhost:8181").
	URL string `json:"url"`
	// DecisionPath overrides the default decision document path.
	DecisionPath string `json:"decision_path,omitempty"`
	// Timeout bounds each evaluation call. Default: 200ms.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// OPAEvaluator implements Evaluator against a remote OPA HTTP API.
// Transport failures map to ErrOPAConnection, evaluation failures to
// ErrPolicyEvaluation and undefined documents to ErrPolicyNotFound,
// so the breaker and recovery layers can classify them.
type OPAEvaluator struct {
	config OPAConfig
	client *http.Client
}

// NewOPAEvaluator creates an OPA-backed evaluator.
func NewOPAEvaluator(cfg OPAConfig) *OPAEvaluator {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultOPATimeout
	}
	if cfg.DecisionPath == "" {
		cfg.DecisionPath = defaultOPAPath
	}
	return &OPAEvaluator{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type opaRequest struct {
	Input map[string]any `json:"input"`
}

type opaResponse struct {
	Result *opaResult `json:"result"`
}

type opaResult struct {
	Allow    bool     `json:"allow"`
	Reasons  []string `json:"reasons,omitempty"`
	Revision string   `json:"revision,omitempty"`
}

// Evaluate implements Evaluator.
func (o *OPAEvaluator) Evaluate(ctx context.Context, policyID string, input map[string]any) (*contracts.PolicyDecision, error) {
	payload, err := json.Marshal(opaRequest{Input: input})
	if err != nil {
		return nil, evaluationErr("input marshal failed: " + err.Error())
	}

	url := o.config.URL + o.config.DecisionPath + "/" + policyID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, evaluationErr("request build failed: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		// Timeout, connection refused, DNS failure.
		return nil, connectionErr(err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, notFoundErr(policyID)
	case resp.StatusCode != http.StatusOK:
		return nil, evaluationErr(fmt.Sprintf("opa returned HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, connectionErr("response read failed: " + err.Error())
	}

	var opaResp opaResponse
	if err := json.Unmarshal(body, &opaResp); err != nil {
		return nil, evaluationErr("response parse failed: " + err.Error())
	}
	if opaResp.Result == nil {
		// Undefined document: no rule matched this input.
		return nil, notFoundErr(policyID)
	}

	decision := &contracts.PolicyDecision{
		Allowed:       opaResp.Result.Allow,
		Reasons:       opaResp.Result.Reasons,
		PolicyID:      policyID,
		PolicyVersion: opaResp.Result.Revision,
		EvaluatedAt:   time.Now().UTC(),
	}
	if !decision.Allowed && len(decision.Reasons) == 0 {
		decision.Reasons = []string{contracts.ReasonNoMatchingRule}
	}
	return decision, nil
}

// ActiveVersion implements Evaluator by reading the bundle revision.
func (o *OPAEvaluator) ActiveVersion(ctx context.Context, policyID string) (string, error) {
	url := o.config.URL + "/v1/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", evaluationErr("request build failed: " + err.Error())
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return "", connectionErr(err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", evaluationErr(fmt.Sprintf("opa status returned HTTP %d", resp.StatusCode))
	}
	var status struct {
		Result struct {
			Bundles map[string]struct {
				ActiveRevision string `json:"active_revision"`
			} `json:"bundles"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", evaluationErr("status parse failed: " + err.Error())
	}
	if b, ok := status.Result.Bundles[policyID]; ok {
		return b.ActiveRevision, nil
	}
	return "", notFoundErr(policyID)
}

// List implements Evaluator. OPA exposes no tenant scoping; the
// decision path namespace is the global set.
func (o *OPAEvaluator) List(ctx context.Context, _ string) ([]string, error) {
	url := o.config.URL + "/v1/policies"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, evaluationErr("request build failed: " + err.Error())
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, connectionErr(err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, evaluationErr(fmt.Sprintf("opa policies returned HTTP %d", resp.StatusCode))
	}
	var listing struct {
		Result []struct {
			ID string `json:"id"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, evaluationErr("policies parse failed: " + err.Error())
	}
	ids := make([]string, 0, len(listing.Result))
	for _, p := range listing.Result {
		ids = append(ids, p.ID)
	}
	return ids, nil
}
