package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/gantrylab/gantry/config"
	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/execpool"
	"github.com/gantrylab/gantry/internal/routetree"
	"github.com/gantrylab/gantry/internal/transport"
)

// Routes makes the Server the root RoutingInstance: the bare-path
// index plus the reserved _server subtree. Handlers here answer from
// in-memory state; none of them are Sync.
func (s *Server) Routes() []routetree.Route {
	return []routetree.Route{
		{
			Path:    "index",
			Handler: s.handleIndex,
			Meta:    map[string]any{routetree.MetaDescription: "Landing page or redirect to the main app."},
		},
		{
			Path:    "_server/index",
			Handler: s.handleIndex,
			Meta:    map[string]any{routetree.MetaDescription: "Landing page or redirect to the main app."},
		},
		{
			Path:    "_server/_status",
			Handler: s.handleStatus,
			Meta:    map[string]any{routetree.MetaDescription: "Uptime, pool, page, and session statistics."},
		},
		{
			Path:    "_server/_openapi",
			Handler: s.handleOpenAPI,
			Meta:    map[string]any{routetree.MetaDescription: "OpenAPI document for every mounted route."},
		},
		{
			Path:    "_server/_routes",
			Handler: s.handleRoutes,
			Args: []routetree.ArgSpec{
				{Name: "mode", Type: routetree.ArgString, Default: "tree"},
			},
			Meta: map[string]any{
				routetree.MetaAuthTags:    "admin",
				routetree.MetaDescription: "Route tree snapshot (mode: tree, flat, openapi).",
			},
		},
		{
			Path:    "_server/_resource",
			Handler: s.handleResource,
			Args: []routetree.ArgSpec{
				{Name: "name", Type: routetree.ArgString, Required: true},
			},
			Meta: map[string]any{
				routetree.MetaRequiredCaps: []string{"has_resources"},
				routetree.MetaDescription:  "Stream an allow-listed file from the resources directory.",
			},
		},
		{
			Path:    "_server/_create_jwt",
			Handler: s.handleCreateJWT,
			Meta: map[string]any{
				routetree.MetaAuthTags:     "admin",
				routetree.MetaRequiredCaps: []string{"has_jwt"},
				routetree.MetaDescription:  "Mint a signed token for a subject with auth tags.",
			},
		},
		{
			Path:    "_server/_tasks",
			Handler: s.handleTaskList,
			Args: []routetree.ArgSpec{
				{Name: "status", Type: routetree.ArgString},
			},
			Meta: map[string]any{
				routetree.MetaAuthTags:    "admin",
				routetree.MetaDescription: "List background tasks, optionally by status.",
			},
		},
		{
			Path:    "_server/_tasks/clear",
			Handler: s.handleTaskClear,
			Meta: map[string]any{
				routetree.MetaAuthTags:    "admin",
				routetree.MetaDescription: "Drop finished task records.",
			},
		},
		{
			Path:    "_server/_tasks/:id",
			Handler: s.handleTaskInfo,
			Args: []routetree.ArgSpec{
				{Name: "id", Type: routetree.ArgString, Required: true},
			},
			Meta: map[string]any{
				routetree.MetaAuthTags:    "admin",
				routetree.MetaDescription: "Inspect one background task.",
			},
		},
		{
			Path:    "_server/_tasks/:id/cancel",
			Handler: s.handleTaskCancel,
			Args: []routetree.ArgSpec{
				{Name: "id", Type: routetree.ArgString, Required: true},
			},
			Meta: map[string]any{
				routetree.MetaAuthTags:    "admin",
				routetree.MetaDescription: "Cancel a pending or running task.",
			},
		},
		{
			Path:    "_server/_reload",
			Handler: s.handleReload,
			Meta: map[string]any{
				routetree.MetaAuthTags:    "admin",
				routetree.MetaDescription: "Reload the configuration file.",
			},
		},
		{
			Path:    "_server/_reload/history",
			Handler: s.handleReloadHistory,
			Meta: map[string]any{
				routetree.MetaAuthTags:    "admin",
				routetree.MetaDescription: "Recent reload attempts, oldest first.",
			},
		},
	}
}

// handleIndex redirects to the main app when one is configured and
// renders a plain landing page otherwise.
func (s *Server) handleIndex(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	if main := s.config().Server.MainApp; main != "" {
		req.Response.SetStatus(http.StatusTemporaryRedirect)
		req.Response.SetHeader("Location", "/"+main+"/")
		return "", nil
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><title>gantry</title></head><body>\n")
	b.WriteString("<h1>gantry</h1>\n<p>No main app configured.</p>\n<ul>\n")
	for _, name := range s.mountNames() {
		fmt.Fprintf(&b, "<li><a href=\"/%s/\">%s</a></li>\n", name, name)
	}
	b.WriteString("</ul>\n</body></html>\n")
	return &transport.Result{
		Value: b.String(),
		Meta:  map[string]any{transport.MetaMediaType: "text/html; charset=utf-8"},
	}, nil
}

func (s *Server) handleStatus(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	cfg := s.config()
	status := "starting"
	if s.lifespan.Running() {
		status = "ok"
	}

	out := map[string]any{
		"status":         status,
		"started_at":     s.startTime.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(s.Uptime().Seconds()),
		"capabilities":   s.caps,
		"apps":           s.mountNames(),
		"requests": map[string]any{
			"in_flight": s.registry.Len(),
		},
		"pools": map[string]any{
			"blocking": s.blocking.Stats(),
			"cpu":      s.cpu.Stats(),
		},
		"tasks": map[string]any{
			"tracked": s.tasks.Len(),
		},
		"pages": map[string]any{
			"live":         s.pagesReg.Len(),
			"workers":      s.sticky.Workers(),
			"worker_index": s.sticky.LocalIndex(),
		},
		"ws": map[string]any{
			"sessions": s.hub.Sessions(),
			"path":     wsPath(cfg),
		},
		"bus": map[string]any{
			"driver": busDriver(cfg),
		},
	}
	if last, ok := s.lastReload(); ok {
		out["last_reload"] = last
	}
	return out, nil
}

func (s *Server) handleOpenAPI(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	cfg := s.config()
	doc := s.router.OpenAPIDoc(routetree.APIInfo{
		Title:       cfg.OpenAPI.Title,
		Version:     cfg.OpenAPI.Version,
		Description: cfg.OpenAPI.Description,
		Servers:     cfg.OpenAPI.Servers,
	})
	data, err := doc.MarshalJSON()
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Internal, "openapi serialization failed")
	}
	return json.RawMessage(data), nil
}

func (s *Server) handleRoutes(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	mode, _ := args["mode"].(string)
	return s.router.Nodes("", routetree.IntrospectMode(mode))
}

// handleResource streams one file from the configured resources
// directory. The cleaned relative name must match an allowlist glob;
// anything else is reported as missing so the listing stays opaque.
func (s *Server) handleResource(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	cfg := s.config()
	if cfg.Resources.Dir == "" {
		return nil, errkind.New(errkind.NotAvailable, "no_resources", "no resources directory configured")
	}

	name, _ := args["name"].(string)
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" || clean == "." {
		return nil, errkind.New(errkind.Validation, "bad_resource", "resource name is empty")
	}

	if !resourceAllowed(cfg.Resources.Allow, clean) {
		return nil, errkind.Newf(errkind.NotFound, "not_found", "no resource %q", clean)
	}

	full := filepath.Join(cfg.Resources.Dir, filepath.FromSlash(clean))
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return nil, errkind.Newf(errkind.NotFound, "not_found", "no resource %q", clean)
	}
	return transport.FilePath(full), nil
}

func resourceAllowed(allow []string, name string) bool {
	for _, pattern := range allow {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// handleCreateJWT mints a token for the subject named in the JSON
// body. Extra claims ride along untouched; registered claims stay
// under the mint's control.
func (s *Server) handleCreateJWT(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	if s.auth == nil || !s.auth.CanMint() {
		return nil, errkind.New(errkind.NotAvailable, "no_signing_key", "token minting is not configured")
	}

	payload, err := req.Payload()
	if err != nil {
		return nil, err
	}
	body, ok := payload.(map[string]any)
	if !ok {
		return nil, errkind.New(errkind.Validation, "bad_body", "expected a JSON object")
	}
	subject, _ := body["subject"].(string)
	if subject == "" {
		return nil, errkind.New(errkind.Validation, "missing_subject", "subject is required")
	}
	tags := stringsOf(body["tags"])
	extra, _ := body["claims"].(map[string]any)

	token, expires, err := s.auth.Mint(subject, tags, extra)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"token":      token,
		"subject":    subject,
		"tags":       tags,
		"expires_at": expires.UTC().Format(time.RFC3339),
	}, nil
}

func (s *Server) handleTaskList(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	status, _ := args["status"].(string)
	infos := s.tasks.List(execpool.TaskStatus(status))
	return map[string]any{
		"tasks": infos,
		"count": len(infos),
	}, nil
}

func (s *Server) handleTaskInfo(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	id, _ := args["id"].(string)
	info, err := s.tasks.Info(id)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *Server) handleTaskCancel(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	id, _ := args["id"].(string)
	if err := s.tasks.Cancel(id); err != nil {
		return nil, err
	}
	info, err := s.tasks.Info(id)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *Server) handleTaskClear(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	return map[string]any{"removed": s.tasks.ClearCompleted()}, nil
}

func (s *Server) handleReload(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	res := s.Reload()
	if !res.Success {
		req.Response.SetStatus(http.StatusInternalServerError)
	}
	return res, nil
}

func (s *Server) handleReloadHistory(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	s.mu.RLock()
	history := make([]ReloadResult, len(s.reloadHistory))
	copy(history, s.reloadHistory)
	s.mu.RUnlock()
	return map[string]any{
		"reloads": history,
		"count":   len(history),
	}, nil
}

func busDriver(cfg *config.Config) string {
	if cfg.Bus.Driver == "" {
		return "mem"
	}
	return cfg.Bus.Driver
}

func stringsOf(v any) []string {
	switch vals := v.(type) {
	case nil:
		return nil
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, t := range vals {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if vals == "" {
			return nil
		}
		return strings.Fields(vals)
	default:
		return nil
	}
}
