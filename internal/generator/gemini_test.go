package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTaskBreakdown(t *testing.T) {
	valid := `[{"title": "Build API", "description": "d", "priority": "high", "required_capabilities": ["backend"]}]`

	t.Run("bare json array", func(t *testing.T) {
		tasks, err := parseTaskBreakdown(valid)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		require.Equal(t, "Build API", tasks[0].Title)
		require.Equal(t, []string{"backend"}, tasks[0].RequiredCapabilities)
	})

	t.Run("json code fence", func(t *testing.T) {
		tasks, err := parseTaskBreakdown("Here are the tasks:\n```json\n" + valid + "\n```\nDone.")
		require.NoError(t, err)
		require.Len(t, tasks, 1)
	})

	t.Run("anonymous code fence", func(t *testing.T) {
		tasks, err := parseTaskBreakdown("```\n" + valid + "\n```")
		require.NoError(t, err)
		require.Len(t, tasks, 1)
	})

	t.Run("empty array rejected", func(t *testing.T) {
		_, err := parseTaskBreakdown("[]")
		require.Error(t, err)
	})

	t.Run("missing title rejected", func(t *testing.T) {
		_, err := parseTaskBreakdown(`[{"title": "  ", "description": "d"}]`)
		require.Error(t, err)
	})

	t.Run("prose rejected", func(t *testing.T) {
		_, err := parseTaskBreakdown("I could not produce a breakdown.")
		require.Error(t, err)
	})
}

func TestFallbackPlanDependenciesResolve(t *testing.T) {
	plan := FallbackPlan("Demo", "a demo project")
	require.NotEmpty(t, plan.Document)
	require.NotEmpty(t, plan.Tasks)

	// Every dependency names an earlier task, so the plan always loads into
	// the graph without unknown-dependency errors.
	seen := map[string]bool{}
	for _, task := range plan.Tasks {
		require.NotEmpty(t, task.Title)
		require.NotEmpty(t, task.RequiredCapabilities)
		for _, dep := range task.DependsOn {
			require.True(t, seen[dep], "task %q depends on %q which is not declared earlier", task.Title, dep)
		}
		seen[task.Title] = true
	}
}

func TestFallbackDocumentNamesKind(t *testing.T) {
	require.Contains(t, FallbackDocument(DocumentArchitecture, "Demo"), "Architecture Summary")
	require.Contains(t, FallbackDocument(DocumentManual, "Demo"), "User Manual")
	require.Contains(t, FallbackDocument(DocumentReport, "Demo"), "Test Report")
}

// geminiResponse builds the wire shape of a successful generateContent call.
func geminiResponse(text string) map[string]any {
	return map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": text}}}},
		},
	}
}

func TestGeminiGeneratePlan(t *testing.T) {
	breakdown := `[
  {"title": "Build API", "description": "d", "priority": "high", "dependencies": [], "required_capabilities": ["backend"], "estimated_hours": 8}
]`
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "secret", r.Header.Get("x-goog-api-key"))
		require.True(t, strings.HasSuffix(r.URL.Path, "/models/gemini-1.5-flash:generateContent"), r.URL.Path)
		calls++
		var resp map[string]any
		if calls == 1 {
			resp = geminiResponse("# PRD for Demo")
		} else {
			resp = geminiResponse("```json\n" + breakdown + "\n```")
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	g := NewGemini("secret", "gemini-1.5-flash", WithEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	plan, err := g.GeneratePlan(context.Background(), "Demo", "a demo")
	require.NoError(t, err)
	require.Equal(t, "# PRD for Demo", plan.Document)
	require.Len(t, plan.Tasks, 1)
	require.Equal(t, "Build API", plan.Tasks[0].Title)
	require.Equal(t, 2, calls)
}

func TestGeminiGeneratePlanFallsBackOnUnparsableBreakdown(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		text := "# PRD"
		if calls > 1 {
			text = "Sorry, I cannot produce JSON."
		}
		_ = json.NewEncoder(w).Encode(geminiResponse(text))
	}))
	defer srv.Close()

	g := NewGemini("k", "m", WithEndpoint(srv.URL))
	plan, err := g.GeneratePlan(context.Background(), "Demo", "a demo")
	require.NoError(t, err)
	require.Equal(t, "# PRD", plan.Document)
	require.Equal(t, fallbackTaskSpecs("Demo"), plan.Tasks)
}

func TestGeminiSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"code": 429, "message": "quota exceeded", "status": "RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	g := NewGemini("k", "m", WithEndpoint(srv.URL))
	_, err := g.GenerateArtifact(context.Background(), ArtifactRequest{TaskTitle: "t"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "quota exceeded")
}

func TestGeminiHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	g := NewGemini("k", "m", WithEndpoint(srv.URL))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.GenerateDocument(ctx, DocumentManual, "Demo", "doc")
	require.Error(t, err)
}
