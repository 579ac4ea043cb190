package httpapi

import (
	"log/slog"
	"net/http"
	"runtime"
	"slices"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"regent/internal/backup"
	"regent/internal/command"
	"regent/internal/recovery"
	"regent/internal/storage"
)

func (s *Server) handleHealth(c echo.Context) error {
	state := s.deps.Recovery.State()
	status := "healthy"
	if state != recovery.StateHealthy {
		status = string(state)
	}

	cmdStatus := "ok"
	if stats := s.deps.Commands.GetStats(); stats.PerLayer[command.LayerCore] < len(command.RequiredCoreIDs) {
		cmdStatus = "degraded"
	}
	routerStatus := "ok"
	if sum := s.deps.Routes.Status(); sum.Unhealthy > 0 {
		routerStatus = "degraded"
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status": status,
		"services": map[string]string{
			"commandRegistry": cmdStatus,
			"router":          routerStatus,
			"recovery":        string(state),
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealthDetailed(c echo.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	rep := s.deps.Gen.Verify(c.Request().Context())

	return c.JSON(http.StatusOK, map[string]any{
		"status":   string(s.deps.Recovery.State()),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"commands": s.deps.Commands.GetStats(),
		"routes":   s.deps.Routes.Status(),
		"recovery": s.deps.Recovery.Status(),
		"backups":  s.deps.Backups.Stats(),
		"filesystem": map[string]any{
			"ok":       rep.OK(),
			"problems": rep.Problems,
		},
		"runtime": map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"allocBytes": mem.Alloc,
			"sysBytes":   mem.Sys,
		},
	})
}

func (s *Server) handleDiagnostic(c echo.Context) error {
	var req struct {
		Tests []string `json:"tests"`
	}
	_ = c.Bind(&req)
	if len(req.Tests) == 0 {
		req.Tests = []string{"commands", "routes", "backups", "filesystem"}
	}

	type result struct {
		Name   string `json:"name"`
		Passed bool   `json:"passed"`
		Detail string `json:"detail,omitempty"`
	}
	var results []result
	allPassed := true

	for _, name := range req.Tests {
		r := result{Name: name, Passed: true}
		switch name {
		case "commands":
			have := map[string]bool{}
			for _, def := range s.deps.Commands.List() {
				have[def.ID] = true
			}
			for _, id := range command.RequiredCoreIDs {
				if !have[id] {
					r.Passed = false
					r.Detail = "missing required command " + id
					break
				}
			}
		case "routes":
			if err := s.deps.Routes.Verify(); err != nil {
				r.Passed = false
				r.Detail = err.Error()
			}
		case "backups":
			if last := s.deps.Backups.LastBackup(); last.IsZero() {
				r.Detail = "no backups yet"
			}
		case "filesystem":
			if rep := s.deps.Gen.Verify(c.Request().Context()); !rep.OK() {
				r.Passed = false
				r.Detail = rep.Problems[0]
			}
		default:
			r.Passed = false
			r.Detail = "unknown test"
		}
		if !r.Passed {
			allPassed = false
		}
		results = append(results, r)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"passed":  allPassed,
		"results": results,
	})
}

func (s *Server) handleListCommands(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"commands": s.deps.Commands.List(),
	})
}

func (s *Server) handleExecute(c echo.Context) error {
	var req struct {
		Command    string         `json:"command"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := c.Bind(&req); err != nil || req.Command == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "command is required"})
	}

	res, err := s.deps.Commands.Execute(c.Request().Context(), req.Command, req.Parameters)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"result": res})
}

func (s *Server) handleRouteStatus(c echo.Context) error {
	sum := s.deps.Routes.Status()
	return c.JSON(http.StatusOK, map[string]any{
		"total":    len(sum.Routes),
		"healthy":  sum.Healthy,
		"version":  sum.Version,
		"checksum": sum.Checksum,
		"routes":   sum.Routes,
	})
}

func (s *Server) handleRouteRepair(c echo.Context) error {
	var req struct {
		RouteName string `json:"routeName"`
	}
	if err := c.Bind(&req); err != nil || req.RouteName == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "routeName is required"})
	}

	err := s.deps.Routes.AttemptRepair(c.Request().Context(), req.RouteName)
	resp := map[string]any{
		"routeName": req.RouteName,
		"repaired":  err == nil,
	}
	if err != nil {
		resp["status"] = err.Error()
		return c.JSON(statusOf(err), resp)
	}
	resp["status"] = "healthy"
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRecoverySystem(c echo.Context) error {
	var req struct {
		Level  string `json:"level"`
		Reason string `json:"reason"`
	}
	_ = c.Bind(&req)
	if req.Level == "" {
		req.Level = "quick"
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	ctx := c.Request().Context()

	var err error
	switch req.Level {
	case "quick":
		err = s.deps.Recovery.HealthTask(ctx)
	case "repair":
		if err = s.deps.Commands.Load(ctx); err == nil {
			err = s.deps.Routes.RepairManifest(ctx)
		}
	case "full":
		err = s.deps.Recovery.Run(ctx, req.Reason)
	default:
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "level must be quick, repair or full"})
	}

	result := "ok"
	status := "completed"
	if err != nil {
		result = err.Error()
		status = "failed"
	}
	code := http.StatusOK
	if err != nil {
		code = http.StatusInternalServerError
	}
	return c.JSON(code, map[string]any{
		"status": status,
		"level":  req.Level,
		"result": result,
	})
}

func (s *Server) handleRecoveryStatus(c echo.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	info := s.deps.Recovery.Status()

	return c.JSON(http.StatusOK, map[string]any{
		"recovery": map[string]any{
			"serviceAvailable": info.State != recovery.StateEmergency,
			"lastRecovery":     info.LastRecovery,
			"totalRecoveries":  info.Attempts,
			"currentHealth":    string(info.State),
		},
		"system": map[string]any{
			"uptime":     time.Since(s.started).Round(time.Second).String(),
			"allocBytes": mem.Alloc,
			"goroutines": runtime.NumGoroutine(),
		},
	})
}

var restorableTiers = []backup.Tier{
	backup.TierHourly, backup.TierDaily, backup.TierRecoveryPoint, backup.TierArchived,
}

func (s *Server) handleRestore(c echo.Context) error {
	var req struct {
		BackupType string `json:"backupType"`
		BackupID   string `json:"backupId"`
		Verify     bool   `json:"verify"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid body"})
	}
	tier := backup.Tier(req.BackupType)
	if !slices.Contains(restorableTiers, tier) {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "unknown backupType " + req.BackupType})
	}
	ctx := c.Request().Context()

	result := map[string]any{}
	var failed bool
	if _, err := s.deps.Commands.RestoreFromBackup(ctx, tier, req.BackupID); err != nil {
		result["commands"] = err.Error()
		failed = true
	} else {
		result["commands"] = "restored"
	}
	if err := s.deps.Routes.RestoreFromBackup(ctx, tier, req.BackupID); err != nil {
		result["routes"] = err.Error()
		failed = true
	} else {
		result["routes"] = "restored"
	}
	if req.Verify {
		rep := s.deps.Gen.Verify(ctx)
		result["verify"] = rep.OK()
		if !rep.OK() {
			result["problems"] = rep.Problems
			failed = true
		}
	}

	status, code := "completed", http.StatusOK
	if failed {
		status, code = "partial", http.StatusInternalServerError
	}
	return c.JSON(code, map[string]any{
		"status": status,
		"backup": map[string]any{"type": req.BackupType, "id": req.BackupID},
		"result": result,
	})
}

func (s *Server) handleBackups(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"tiers":      s.deps.Backups.Stats(),
		"lastBackup": s.deps.Backups.LastBackup(),
	})
}

func (s *Server) handleEmergency(c echo.Context) error {
	name := c.Param("procedure")
	if err := s.deps.Recovery.RunProcedure(c.Request().Context(), name); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"procedure": name,
			"error":     err.Error(),
			"known":     s.deps.Recovery.Procedures(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"procedure": name,
		"status":    "completed",
	})
}

func (s *Server) handleLogs(c echo.Context) error {
	lines := 50
	if v := c.QueryParam("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "lines must be a positive integer"})
		}
		lines = min(n, 500)
	}
	kind := c.QueryParam("type")
	if kind == "" {
		kind = "recovery"
	}

	var (
		out []string
		err error
	)
	switch kind {
	case "recovery":
		out, err = s.deps.Journal.Recent(lines)
	case "executions", "errors":
		if s.deps.ExecLog == nil {
			return c.JSON(http.StatusOK, map[string]any{"type": kind, "lines": []string{}})
		}
		storeKind := storage.KindExecutions
		if kind == "errors" {
			storeKind = storage.KindErrors
		}
		out, err = s.deps.ExecLog.RecentLines(c.Request().Context(), storeKind, lines)
	default:
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "type must be recovery, executions or errors"})
	}
	if err != nil {
		s.log.Warn("log read failed", slog.String("type", kind), slog.String("err", err.Error()))
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
	if out == nil {
		out = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"type": kind, "lines": out})
}
