package generator

import (
	"fmt"
	"strings"
)

// Deterministic substitutes used whenever the generator errors or times out.
// They keep a project moving; callers announce the substitution with a
// warning event.

func FallbackPlan(projectName, description string) *Plan {
	doc := fmt.Sprintf(`# %s — Requirements Document (placeholder)

## Overview
%s

## Note
This document was produced by the built-in fallback because the content
generator was unavailable. Replace it with a reviewed requirements document
before release.
`, projectName, description)

	return &Plan{
		Document: doc,
		Tasks:    fallbackTaskSpecs(projectName),
	}
}

func fallbackTaskSpecs(projectName string) []TaskSpec {
	return []TaskSpec{
		{
			Title:                "Design System Architecture",
			Description:          fmt.Sprintf("Design the overall system architecture for %s", projectName),
			Priority:             "high",
			RequiredCapabilities: []string{"backend", "architecture"},
			EstimatedHours:       16,
		},
		{
			Title:                "Create Database Schema",
			Description:          "Design and implement the database schema",
			Priority:             "high",
			DependsOn:            []string{"Design System Architecture"},
			RequiredCapabilities: []string{"backend", "database"},
			EstimatedHours:       8,
		},
		{
			Title:                "Build Backend API",
			Description:          "Implement the core backend API endpoints",
			Priority:             "high",
			DependsOn:            []string{"Create Database Schema"},
			RequiredCapabilities: []string{"backend"},
			EstimatedHours:       24,
		},
		{
			Title:                "Design UI Components",
			Description:          "Design and implement the frontend UI components",
			Priority:             "medium",
			DependsOn:            []string{"Build Backend API"},
			RequiredCapabilities: []string{"frontend", "design"},
			EstimatedHours:       20,
		},
	}
}

func FallbackArtifact(req ArtifactRequest) string {
	return fmt.Sprintf(`# %s (placeholder)

%s

Produced by the built-in fallback for worker %s (capabilities: %s) because
the content generator was unavailable. The task output must be supplied
manually before approval is meaningful.
`, req.TaskTitle, req.TaskDescription, req.WorkerName, strings.Join(req.WorkerCapabilities, ", "))
}

func FallbackDocument(kind DocumentKind, projectName string) string {
	var title string
	switch kind {
	case DocumentArchitecture:
		title = "Architecture Summary"
	case DocumentManual:
		title = "User Manual"
	case DocumentReport:
		title = "Test Report"
	default:
		title = string(kind)
	}
	return fmt.Sprintf(`# %s — %s (placeholder)

Produced by the built-in fallback because the content generator was
unavailable. Author this document manually.
`, projectName, title)
}
