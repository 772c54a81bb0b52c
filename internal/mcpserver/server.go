// Package mcpserver exposes task tools to MCP clients over streamable HTTP.
//
// Every call acts as the configured user; tasks flow through the same
// task service as chat messages.
package mcpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"taskbot/internal/reminder"
	"taskbot/internal/storage"
	"taskbot/internal/tasks"
	"taskbot/pkg/logx"
)

const (
	serverName    = "taskbot"
	serverVersion = "1.0.0"
)

type Config struct {
	Addr   string
	Path   string
	UserID int64
	// Token, when set, is required as a bearer token.
	Token string
}

// StatusSource reports scheduler state for scheduler_status.
type StatusSource interface {
	Snapshot() reminder.Snapshot
}

type Server struct {
	cfg    Config
	tasks  *tasks.Service
	status StatusSource
	log    logx.Logger

	mcp  *server.MCPServer
	http *http.Server
}

func New(cfg Config, svc *tasks.Service, status StatusSource, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8765"
	}
	if cfg.Path == "" {
		cfg.Path = "/mcp"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, tasks: svc, status: status, log: log}
	s.mcp = server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// MCPServer is the underlying server, for in-process clients.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

func (s *Server) registerTools() {
	s.mcp.AddTool(
		mcp.NewTool("add_task",
			mcp.WithDescription("Create a task from free text. Due dates, priority, category and reminders are worked out from the text."),
			mcp.WithString("text", mcp.Required(), mcp.Description("Task in natural language, e.g. 'call the bank tomorrow at 10:00'")),
		),
		s.handleAddTask,
	)
	s.mcp.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List active tasks"),
			mcp.WithString("scope", mcp.Description("today, week or all (default all)")),
			mcp.WithString("category", mcp.Description("Only tasks in this category")),
		),
		s.handleListTasks,
	)
	s.mcp.AddTool(
		mcp.NewTool("complete_task",
			mcp.WithDescription("Mark a task done and cancel its reminders"),
			mcp.WithNumber("id", mcp.Required(), mcp.Description("Task ID")),
		),
		s.handleCompleteTask,
	)
	s.mcp.AddTool(
		mcp.NewTool("snooze_task",
			mcp.WithDescription("Schedule one more reminder for a task"),
			mcp.WithNumber("id", mcp.Required(), mcp.Description("Task ID")),
			mcp.WithNumber("minutes", mcp.Description("Minutes from now (default 60)")),
		),
		s.handleSnoozeTask,
	)
	s.mcp.AddTool(
		mcp.NewTool("scheduler_status",
			mcp.WithDescription("Show the reminder scheduler state"),
		),
		s.handleStatus,
	)
}

// taskView is the JSON shape returned to clients.
type taskView struct {
	ID         int64    `json:"id"`
	Title      string   `json:"title"`
	Priority   string   `json:"priority"`
	Status     string   `json:"status"`
	DueDate    string   `json:"due_date,omitempty"`
	DueTime    string   `json:"due_time,omitempty"`
	Category   string   `json:"category,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

func viewOf(t storage.Task) taskView {
	return taskView{
		ID:         t.ID,
		Title:      t.Title,
		Priority:   string(t.Priority),
		Status:     string(t.Status),
		DueDate:    t.DueDate,
		DueTime:    t.DueTime,
		Category:   t.Category,
		Conditions: t.Conditions,
		Tags:       t.Tags,
	}
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err))
	}
	return mcp.NewToolResultText(string(out))
}

func (s *Server) handleAddTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := strings.TrimSpace(req.GetString("text", ""))
	if text == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	c, err := s.tasks.CreateFromText(ctx, s.cfg.UserID, text)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to add task: %v", err)), nil
	}
	reminders := make([]string, 0, len(c.Reminders))
	for _, r := range c.Reminders {
		reminders = append(reminders, r.At.Format(time.RFC3339)+" "+string(r.Kind))
	}
	return jsonResult(struct {
		Task      taskView `json:"task"`
		Reminders []string `json:"reminders"`
		Scheduled int      `json:"scheduled"`
		Fallback  bool     `json:"fallback,omitempty"`
	}{viewOf(c.Task), reminders, c.Scheduled, c.Fallback}), nil
}

func (s *Server) handleListTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		list []storage.Task
		err  error
	)
	owner := s.cfg.UserID
	if cat := req.GetString("category", ""); cat != "" {
		list, err = s.tasks.ByCategory(ctx, owner, cat)
	} else {
		switch scope := strings.ToLower(req.GetString("scope", "all")); scope {
		case "today":
			list, err = s.tasks.Today(ctx, owner)
		case "week":
			list, err = s.tasks.Week(ctx, owner)
		case "all", "":
			list, err = s.tasks.All(ctx, owner)
		default:
			return mcp.NewToolResultError(fmt.Sprintf("unknown scope %q (use today, week or all)", scope)), nil
		}
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("No tasks found."), nil
	}
	views := make([]taskView, 0, len(list))
	for _, t := range list {
		views = append(views, viewOf(t))
	}
	return jsonResult(views), nil
}

func taskIDArg(req mcp.CallToolRequest) (int64, bool) {
	id := req.GetFloat("id", -1)
	return int64(id), id > 0
}

func toolError(what string, id int64, err error) *mcp.CallToolResult {
	if errors.Is(err, tasks.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("task %d not found", id))
	}
	return mcp.NewToolResultError(fmt.Sprintf("failed to %s task %d: %v", what, id, err))
}

func (s *Server) handleCompleteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := taskIDArg(req)
	if !ok {
		return mcp.NewToolResultError("id is required and must be a positive number"), nil
	}
	if err := s.tasks.Complete(ctx, s.cfg.UserID, id); err != nil {
		return toolError("complete", id, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %d marked as done.", id)), nil
}

func (s *Server) handleSnoozeTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := taskIDArg(req)
	if !ok {
		return mcp.NewToolResultError("id is required and must be a positive number"), nil
	}
	minutes := int(req.GetFloat("minutes", 60))
	at, err := s.tasks.Snooze(ctx, s.cfg.UserID, id, minutes)
	if err != nil {
		return toolError("snooze", id, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %d will be reminded at %s.", id, at.Format(time.RFC3339))), nil
}

func (s *Server) handleStatus(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.status == nil {
		return mcp.NewToolResultError("scheduler not available"), nil
	}
	snap := s.status.Snapshot()
	return jsonResult(map[string]any{
		"strategy":      snap.Strategy,
		"running":       snap.Running,
		"queued":        snap.QueueLen,
		"next":          snap.Head,
		"covered_until": snap.CoveredUntil,
		"last_reload":   snap.LastReload,
		"last_cleanup":  snap.LastCleanup,
		"dispatched":    snap.Dispatched,
		"failed":        snap.Failed,
		"requeued":      snap.Requeued,
	}), nil
}

// Handler is the streamable HTTP endpoint wrapped in bearer auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, server.NewStreamableHTTPServer(s.mcp, server.WithEndpointPath(s.cfg.Path)))
	return requireToken(s.cfg.Token, mux)
}

func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mcp listen: %w", err)
	}
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.log.Info("mcp server listening", logx.String("addr", ln.Addr().String()), logx.String("path", s.cfg.Path), logx.Bool("auth", s.cfg.Token != ""))

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.http.Shutdown(sctx)
		<-errCh
		s.log.Info("mcp server stopped")
		return nil
	}
}
