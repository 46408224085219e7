package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"

// Gemini calls the Generative Language API over plain HTTP. One client is
// shared by all projects; per-call deadlines come from the caller's ctx.
type Gemini struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
}

type GeminiOption func(*Gemini)

func WithEndpoint(endpoint string) GeminiOption {
	return func(g *Gemini) {
		g.endpoint = strings.TrimSuffix(endpoint, "/")
	}
}

func WithHTTPClient(c *http.Client) GeminiOption {
	return func(g *Gemini) {
		g.httpClient = c
	}
}

func NewGemini(apiKey, model string, opts ...GeminiOption) *Gemini {
	g := &Gemini{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		endpoint:   defaultEndpoint,
		apiKey:     apiKey,
		model:      model,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type generateContentRequest struct {
	SystemInstruction *geminiContent   `json:"system_instruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (g *Gemini) generate(ctx context.Context, systemInstruction, prompt string, temperature float64, maxTokens int) (string, error) {
	reqBody := generateContentRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		GenerationConfig: generationConfig{
			Temperature:     temperature,
			MaxOutputTokens: maxTokens,
			TopP:            0.95,
			TopK:            40,
		},
	}
	if systemInstruction != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemInstruction}}}
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.endpoint, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate content request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var parsed generateContentResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return "", fmt.Errorf("generate content failed: %s (%s)", parsed.Error.Message, parsed.Error.Status)
		}
		return "", fmt.Errorf("generate content failed with status %d", resp.StatusCode)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("generate content returned no candidates")
	}

	var sb strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

const planSystemInstruction = `You are a senior project planner. Produce a comprehensive
Product Requirements Document in Markdown: executive summary, goals, functional and
non-functional requirements, architecture recommendations, success criteria, risks.`

const breakdownSystemInstruction = `You are a task breakdown specialist. Analyze a
requirements document and break it into clear, actionable tasks. For each task specify
title, description, priority (high/medium/low), dependencies (titles of earlier tasks),
required_capabilities (skill tags such as backend, frontend, testing, devops, design),
and estimated_hours. Return ONLY a valid JSON array.`

func (g *Gemini) GeneratePlan(ctx context.Context, projectName, description string) (*Plan, error) {
	prdPrompt := fmt.Sprintf(`Create a Product Requirements Document for:

Project Name: %s
Description: %s

Generate a detailed, production-ready PRD.`, projectName, description)

	document, err := g.generate(ctx, planSystemInstruction, prdPrompt, 0.5, 8192)
	if err != nil {
		return nil, fmt.Errorf("prd generation failed: %w", err)
	}

	breakdownPrompt := fmt.Sprintf(`Analyze this PRD and break it into development tasks:

Project: %s

PRD:
%s

Return a JSON array of tasks:
[
  {
    "title": "Task name",
    "description": "Detailed description",
    "priority": "high",
    "dependencies": [],
    "required_capabilities": ["backend"],
    "estimated_hours": 8
  }
]

Focus on 10-15 key tasks covering all major aspects of the project.`, projectName, truncate(document, 4000))

	raw, err := g.generate(ctx, breakdownSystemInstruction, breakdownPrompt, 0.3, 4096)
	if err != nil {
		return nil, fmt.Errorf("task breakdown generation failed: %w", err)
	}

	tasks, err := parseTaskBreakdown(raw)
	if err != nil {
		slog.Warn("generator: task breakdown did not parse, using fallback task list", "project", projectName, "error", err)
		tasks = fallbackTaskSpecs(projectName)
	}
	return &Plan{Document: document, Tasks: tasks}, nil
}

func (g *Gemini) GenerateArtifact(ctx context.Context, req ArtifactRequest) (string, error) {
	systemInstruction := fmt.Sprintf(`You are %s, a specialist in %s.
Produce complete, production-ready output for the task. Use Markdown for
documents and fenced code blocks for code. Be specific and actionable.`,
		req.WorkerName, strings.Join(req.WorkerCapabilities, ", "))

	prompt := fmt.Sprintf(`Produce the deliverable for this task:

Task: %s
Description: %s
Project Context: %s`, req.TaskTitle, req.TaskDescription, req.ProjectContext)

	return g.generate(ctx, systemInstruction, prompt, 0.3, 8192)
}

func (g *Gemini) GenerateDocument(ctx context.Context, kind DocumentKind, projectName, planDocument string) (string, error) {
	var instruction string
	switch kind {
	case DocumentArchitecture:
		instruction = "Write an architecture summary: components, data flow, technology choices, deployment topology."
	case DocumentManual:
		instruction = "Write a user manual: getting started, core workflows, configuration, troubleshooting."
	case DocumentReport:
		instruction = "Write a test report: coverage summary, scenarios exercised, known gaps, quality assessment."
	default:
		return "", fmt.Errorf("unknown document kind %q", kind)
	}

	prompt := fmt.Sprintf(`%s

Project: %s

Requirements document:
%s

Format the output in Markdown.`, instruction, projectName, truncate(planDocument, 4000))

	return g.generate(ctx, "", prompt, 0.5, 8192)
}

// parseTaskBreakdown extracts the JSON array from a model response, peeling a
// Markdown code fence when present.
func parseTaskBreakdown(raw string) ([]TaskSpec, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	} else if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+len("```"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimSpace(s)

	var tasks []TaskSpec
	if err := json.Unmarshal([]byte(s), &tasks); err != nil {
		return nil, fmt.Errorf("failed to parse task breakdown: %w", err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task breakdown is empty")
	}
	for i, t := range tasks {
		if strings.TrimSpace(t.Title) == "" {
			return nil, fmt.Errorf("task %d has no title", i)
		}
	}
	return tasks, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
