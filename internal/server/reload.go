package server

import (
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/gantrylab/gantry/config"
	"github.com/gantrylab/gantry/internal/logging"
	"github.com/gantrylab/gantry/internal/pipeline"
)

// reloadHistoryCap bounds the kept reload records.
const reloadHistoryCap = 50

// ReloadResult records one configuration reload attempt.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
	Skipped   []string  `json:"skipped,omitempty"`
}

// Reload re-reads the config file and applies every section that can
// change at runtime. Sections that cannot are reported in Skipped and
// logged; they take effect on the next restart.
func (s *Server) Reload() ReloadResult {
	if s.configPath == "" {
		return s.recordReload(ReloadResult{
			Timestamp: time.Now(),
			Error:     "no config path configured",
		})
	}
	next, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		return s.recordReload(ReloadResult{
			Timestamp: time.Now(),
			Error:     fmt.Sprintf("config load failed: %v", err),
		})
	}
	return s.applyConfig(next)
}

// applyConfig swaps in next. Hot sections: logging, middleware, limits,
// and everything handlers read through s.config() (main_app, openapi,
// resources). Structural sections are left running on the old values.
func (s *Server) applyConfig(next *config.Config) ReloadResult {
	res := ReloadResult{Timestamp: time.Now()}
	cur := s.config()

	res.Skipped = structuralChanges(cur, next)
	for _, section := range res.Skipped {
		logging.Warn("config change needs a restart, keeping old value",
			zap.String("section", section))
	}

	if !reflect.DeepEqual(cur.Logging, next.Logging) {
		logger, err := logging.New(logging.Options{
			Level:      next.Logging.Level,
			Format:     next.Logging.Format,
			Output:     next.Logging.Output,
			MaxSizeMB:  next.Logging.MaxSizeMB,
			MaxBackups: next.Logging.MaxBackups,
			MaxAgeDays: next.Logging.MaxAgeDays,
		})
		if err != nil {
			res.Error = fmt.Sprintf("logging: %v", err)
			return s.recordReload(res)
		}
		logging.SetGlobal(logger)
		res.Changes = append(res.Changes, "logging")
	}

	if !reflect.DeepEqual(cur.Middleware, next.Middleware) ||
		!reflect.DeepEqual(cur.Limits, next.Limits) ||
		cur.Server.Debug != next.Server.Debug {
		chain, err := pipeline.FromConfig(next, s.chainDeps())
		if err != nil {
			res.Error = fmt.Sprintf("middleware: %v", err)
			return s.recordReload(res)
		}
		s.dispatcher.SwapChain(chain)
		s.dispatcher.SetLimits(limitsOf(next), next.Limits.RequestTimeout)
		res.Changes = append(res.Changes, "middleware")
	}

	if cur.Server.MainApp != next.Server.MainApp {
		res.Changes = append(res.Changes, "server.main_app")
	}
	if !reflect.DeepEqual(cur.OpenAPI, next.OpenAPI) {
		res.Changes = append(res.Changes, "openapi")
	}
	if !reflect.DeepEqual(cur.Resources, next.Resources) {
		res.Changes = append(res.Changes, "resources")
	}

	s.mu.Lock()
	s.cfg = next
	s.mu.Unlock()

	res.Success = true
	return s.recordReload(res)
}

// structuralChanges names the config sections that differ but cannot
// be swapped while serving: they size pools, bind sockets, or rebuild
// subsystems whose state must survive the reload.
func structuralChanges(cur, next *config.Config) []string {
	var out []string
	if cur.Server.Host != next.Server.Host || cur.Server.Port != next.Server.Port ||
		cur.Server.ReadTimeout != next.Server.ReadTimeout ||
		cur.Server.WriteTimeout != next.Server.WriteTimeout {
		out = append(out, "server.listen")
	}
	if !reflect.DeepEqual(cur.Apps, next.Apps) {
		out = append(out, "apps")
	}
	if !reflect.DeepEqual(cur.SysApps, next.SysApps) {
		out = append(out, "sys_apps")
	}
	if !reflect.DeepEqual(cur.Plugins, next.Plugins) {
		out = append(out, "plugins")
	}
	if !reflect.DeepEqual(cur.Execution, next.Execution) {
		out = append(out, "execution")
	}
	if !reflect.DeepEqual(cur.Tasks, next.Tasks) {
		out = append(out, "tasks")
	}
	if !reflect.DeepEqual(cur.WS, next.WS) {
		out = append(out, "ws")
	}
	if !reflect.DeepEqual(cur.Pages, next.Pages) {
		out = append(out, "pages")
	}
	if !reflect.DeepEqual(cur.Bus, next.Bus) {
		out = append(out, "bus")
	}
	if !reflect.DeepEqual(cur.Session, next.Session) {
		out = append(out, "session")
	}
	if !reflect.DeepEqual(cur.Redis, next.Redis) {
		out = append(out, "redis")
	}
	if !reflect.DeepEqual(cur.Auth, next.Auth) {
		out = append(out, "auth")
	}
	if !reflect.DeepEqual(cur.Metrics, next.Metrics) {
		out = append(out, "metrics")
	}
	return out
}

// recordReload appends to the bounded history and returns the result.
func (s *Server) recordReload(res ReloadResult) ReloadResult {
	s.mu.Lock()
	s.reloadHistory = append(s.reloadHistory, res)
	if len(s.reloadHistory) > reloadHistoryCap {
		s.reloadHistory = s.reloadHistory[len(s.reloadHistory)-reloadHistoryCap:]
	}
	s.mu.Unlock()
	return res
}

// lastReload returns the most recent reload attempt.
func (s *Server) lastReload() (ReloadResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.reloadHistory) == 0 {
		return ReloadResult{}, false
	}
	return s.reloadHistory[len(s.reloadHistory)-1], true
}
