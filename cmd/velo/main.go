package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
)

var (
	app       = kingpin.New("velo", "Operator CLI for the velo workflow orchestrator")
	serverURL = app.Flag("server", "Server base URL").Default("http://localhost:3100").Envar("VELO_SERVER_URL").String()
	apiKey    = app.Flag("api-key", "API key for the server").Envar("VELO_API_KEY").String()

	// Project commands
	projectCmd = app.Command("project", "Project management commands")

	projectCreateCmd  = projectCmd.Command("create", "Create a project and start its workflow")
	projectCreateName = projectCreateCmd.Arg("name", "Project name").Required().String()
	projectCreateDesc = projectCreateCmd.Flag("description", "Project description").Short('d').String()

	projectListCmd = projectCmd.Command("list", "List all projects")

	projectShowCmd = projectCmd.Command("show", "Show project details")
	projectShowID  = projectShowCmd.Arg("id", "Project ID").Required().String()

	projectCancelCmd = projectCmd.Command("cancel", "Cancel a running project")
	projectCancelID  = projectCancelCmd.Arg("id", "Project ID").Required().String()

	// Task commands
	tasksCmd       = app.Command("tasks", "List a project's tasks")
	tasksProjectID = tasksCmd.Arg("project-id", "Project ID").Required().String()

	approveCmd    = app.Command("approve", "Approve a task awaiting review")
	approveTaskID = approveCmd.Arg("task-id", "Task ID").Required().String()

	rejectCmd    = app.Command("reject", "Reject a task awaiting review")
	rejectTaskID = rejectCmd.Arg("task-id", "Task ID").Required().String()
	rejectReason = rejectCmd.Flag("reason", "Rejection reason").Short('r').String()

	// Worker commands
	workersCmd = app.Command("workers", "List registered workers")

	// Artifact commands
	artifactsCmd       = app.Command("artifacts", "List a project's artifacts")
	artifactsProjectID = artifactsCmd.Arg("project-id", "Project ID").Required().String()

	artifactCmd   = app.Command("artifact", "Print one artifact's content")
	artifactCmdID = artifactCmd.Arg("id", "Artifact ID").Required().String()

	// Event stream
	eventsCmd       = app.Command("events", "Tail the workflow event stream")
	eventsProjectID = eventsCmd.Flag("project", "Only show events for this project").String()
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := newAPIClient(*serverURL, *apiKey)

	var err error
	switch command {
	case projectCreateCmd.FullCommand():
		err = runProjectCreate(ctx, client)
	case projectListCmd.FullCommand():
		err = runProjectList(ctx, client)
	case projectShowCmd.FullCommand():
		err = runProjectShow(ctx, client)
	case projectCancelCmd.FullCommand():
		err = runProjectCancel(ctx, client)
	case tasksCmd.FullCommand():
		err = runTasks(ctx, client)
	case approveCmd.FullCommand():
		err = runApprove(ctx, client)
	case rejectCmd.FullCommand():
		err = runReject(ctx, client)
	case workersCmd.FullCommand():
		err = runWorkers(ctx, client)
	case artifactsCmd.FullCommand():
		err = runArtifacts(ctx, client)
	case artifactCmd.FullCommand():
		err = runArtifactShow(ctx, client)
	case eventsCmd.FullCommand():
		err = runEvents(ctx, client)
	}
	if err != nil {
		red.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type projectView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Phase         string    `json:"phase"`
	FailureReason string    `json:"failure_reason"`
	CreatedAt     time.Time `json:"created_at"`
}

type taskView struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Status           string   `json:"status"`
	Priority         int      `json:"priority"`
	AssignedWorkerID string   `json:"assigned_worker_id"`
	DependsOn        []string `json:"depends_on"`
	RetryCount       int      `json:"retry_count"`
	MaxRetries       int      `json:"max_retries"`
	ArtifactID       string   `json:"artifact_id"`
}

func runProjectCreate(ctx context.Context, client *apiClient) error {
	var p projectView
	err := client.do(ctx, http.MethodPost, "/api/projects/", map[string]string{
		"name":        *projectCreateName,
		"description": *projectCreateDesc,
	}, &p)
	if err != nil {
		return err
	}
	green.Printf("project created: %s\n", p.ID)
	fmt.Printf("  name:  %s\n  phase: %s\n", p.Name, p.Phase)
	return nil
}

func runProjectList(ctx context.Context, client *apiClient) error {
	var resp struct {
		Projects []projectView `json:"projects"`
		Total    int           `json:"total"`
	}
	if err := client.do(ctx, http.MethodGet, "/api/projects/", nil, &resp); err != nil {
		return err
	}
	for _, p := range resp.Projects {
		phaseColor(p.Phase).Printf("%-20s", p.Phase)
		fmt.Printf(" %s  %s\n", p.ID, p.Name)
	}
	faint.Printf("%d project(s)\n", resp.Total)
	return nil
}

func runProjectShow(ctx context.Context, client *apiClient) error {
	var p projectView
	if err := client.do(ctx, http.MethodGet, "/api/projects/"+*projectShowID, nil, &p); err != nil {
		return err
	}
	fmt.Printf("id:          %s\n", p.ID)
	fmt.Printf("name:        %s\n", p.Name)
	fmt.Printf("description: %s\n", p.Description)
	fmt.Print("phase:       ")
	phaseColor(p.Phase).Println(p.Phase)
	if p.FailureReason != "" {
		red.Printf("failure:     %s\n", p.FailureReason)
	}
	fmt.Printf("created:     %s\n", p.CreatedAt.Format(time.RFC3339))
	return nil
}

func runProjectCancel(ctx context.Context, client *apiClient) error {
	if err := client.do(ctx, http.MethodPost, "/api/projects/"+*projectCancelID+"/cancel", nil, nil); err != nil {
		return err
	}
	yellow.Println("project cancelling")
	return nil
}

func runTasks(ctx context.Context, client *apiClient) error {
	var resp struct {
		Tasks []taskView `json:"tasks"`
	}
	path := "/api/projects/" + *tasksProjectID + "/tasks"
	if err := client.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	for _, t := range resp.Tasks {
		statusColor(t.Status).Printf("%-16s", t.Status)
		fmt.Printf(" %s  %s", t.ID, t.Title)
		if t.RetryCount > 0 {
			yellow.Printf("  (attempt %d/%d)", t.RetryCount, t.MaxRetries)
		}
		fmt.Println()
	}
	faint.Printf("%d task(s)\n", len(resp.Tasks))
	return nil
}

func runApprove(ctx context.Context, client *apiClient) error {
	var t taskView
	if err := client.do(ctx, http.MethodPost, "/api/tasks/"+*approveTaskID+"/approve", nil, &t); err != nil {
		return err
	}
	green.Printf("task approved: %s (%s)\n", t.Title, t.Status)
	return nil
}

func runReject(ctx context.Context, client *apiClient) error {
	var resp struct {
		Task    taskView `json:"task"`
		Outcome string   `json:"outcome"`
	}
	err := client.do(ctx, http.MethodPost, "/api/tasks/"+*rejectTaskID+"/reject", map[string]string{
		"reason": *rejectReason,
	}, &resp)
	if err != nil {
		return err
	}
	switch resp.Outcome {
	case "failed":
		red.Printf("task failed after %d attempts: %s\n", resp.Task.RetryCount, resp.Task.Title)
	default:
		yellow.Printf("task rejected, will retry (%d/%d): %s\n", resp.Task.RetryCount, resp.Task.MaxRetries, resp.Task.Title)
	}
	return nil
}

func runWorkers(ctx context.Context, client *apiClient) error {
	var resp struct {
		Workers []struct {
			ID           string   `json:"id"`
			Name         string   `json:"name"`
			Capabilities []string `json:"capabilities"`
			Status       string   `json:"status"`
		} `json:"workers"`
	}
	if err := client.do(ctx, http.MethodGet, "/api/workers", nil, &resp); err != nil {
		return err
	}
	for _, w := range resp.Workers {
		statusColor(w.Status).Printf("%-13s", w.Status)
		fmt.Printf(" %-12s %s  %v\n", w.ID, w.Name, w.Capabilities)
	}
	return nil
}

func runArtifacts(ctx context.Context, client *apiClient) error {
	var resp struct {
		Artifacts []struct {
			ID       string `json:"id"`
			Type     string `json:"type"`
			Name     string `json:"name"`
			Fallback bool   `json:"fallback"`
		} `json:"artifacts"`
	}
	path := "/api/artifacts/?project_id=" + *artifactsProjectID
	if err := client.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	for _, a := range resp.Artifacts {
		cyan.Printf("%-14s", a.Type)
		fmt.Printf(" %s  %s", a.ID, a.Name)
		if a.Fallback {
			yellow.Print("  [fallback]")
		}
		fmt.Println()
	}
	return nil
}

func runArtifactShow(ctx context.Context, client *apiClient) error {
	var a struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := client.do(ctx, http.MethodGet, "/api/artifacts/"+*artifactCmdID, nil, &a); err != nil {
		return err
	}
	faint.Printf("--- %s ---\n", a.Name)
	fmt.Println(a.Content)
	return nil
}

func runEvents(ctx context.Context, client *apiClient) error {
	cyan.Println("tailing events (ctrl-c to stop)")
	return client.streamEvents(ctx, *eventsProjectID, func(data []byte) {
		var e struct {
			Type      string    `json:"type"`
			Severity  string    `json:"severity"`
			ProjectID string    `json:"project_id"`
			TaskID    string    `json:"task_id"`
			Message   string    `json:"message"`
			CreatedAt time.Time `json:"created_at"`
		}
		if err := json.Unmarshal(data, &e); err != nil {
			return
		}
		faint.Printf("%s ", e.CreatedAt.Format("15:04:05"))
		severityColor(e.Severity).Printf("%-26s", e.Type)
		fmt.Printf(" %s\n", e.Message)
	})
}

func phaseColor(phase string) *color.Color {
	switch phase {
	case "completed":
		return green
	case "failed":
		return red
	case "planning":
		return cyan
	default:
		return yellow
	}
}

func statusColor(status string) *color.Color {
	switch status {
	case "completed", "idle":
		return green
	case "failed", "unavailable":
		return red
	case "pending_review":
		return cyan
	default:
		return yellow
	}
}

func severityColor(severity string) *color.Color {
	switch severity {
	case "warning":
		return yellow
	case "error":
		return red
	default:
		return green
	}
}
