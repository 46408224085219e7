package tracker

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

// Plane talks to a Plane-compatible tracker API. Workspace-scoped endpoints,
// API-key auth via the X-API-Key header.
type Plane struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	workspace  string
}

func NewPlane(baseURL, apiKey, workspace string) *Plane {
	return &Plane{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		workspace:  workspace,
	}
}

func (p *Plane) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal tracker payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/api/v1/workspaces/%s%s", p.baseURL, p.workspace, path)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create tracker request: %w", err)
	}
	req.Header.Set("X-API-Key", p.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tracker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("tracker returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode tracker response: %w", err)
		}
	}
	return nil
}

func (p *Plane) CreateProject(ctx context.Context, name, description string) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	payload := map[string]string{
		"name":        name,
		"description": description,
		"identifier":  projectIdentifier(name),
	}
	if err := p.do(ctx, http.MethodPost, "/projects/", payload, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (p *Plane) CreateIssue(ctx context.Context, trackerProjectID, title, description, priority string) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	payload := map[string]string{
		"name":             title,
		"description_html": description,
		"priority":         priority,
	}
	path := fmt.Sprintf("/projects/%s/issues/", trackerProjectID)
	if err := p.do(ctx, http.MethodPost, path, payload, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (p *Plane) UpdateIssueState(ctx context.Context, trackerProjectID, issueID string, state IssueState) error {
	payload := map[string]string{"state": string(state)}
	path := fmt.Sprintf("/projects/%s/issues/%s/", trackerProjectID, issueID)
	return p.do(ctx, http.MethodPatch, path, payload, nil)
}

// projectIdentifier derives the short uppercase identifier Plane requires,
// e.g. "Demo Project" -> "DEMOP".
func projectIdentifier(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
		if sb.Len() >= 5 {
			break
		}
	}
	if sb.Len() == 0 {
		return "PROJ"
	}
	return sb.String()
}
