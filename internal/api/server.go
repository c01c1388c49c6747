package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"AgentMesh-Chain/internal/auth"
	"AgentMesh-Chain/internal/bridge"
	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/plugin"
	"AgentMesh-Chain/internal/runtime"
)

// Server 负责暴露 REST 接口，供外部管理插件与发起工具调用。
type Server struct {
	addr     string
	registry *plugin.Registry
	bridge   *bridge.Bridge
	auth     *auth.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, registry *plugin.Registry, b *bridge.Bridge, authSvc *auth.Service) *Server {
	return &Server{addr: addr, registry: registry, bridge: b, auth: authSvc}
}

// routes 组装全部路由与认证中间件。
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/plugins", s.handleListPlugins)
	mux.HandleFunc("POST /api/v1/plugins", s.handleInstallPlugin)
	mux.HandleFunc("GET /api/v1/plugins/{id}", s.handleGetPlugin)
	mux.HandleFunc("DELETE /api/v1/plugins/{id}", s.handleUninstallPlugin)
	mux.HandleFunc("POST /api/v1/plugins/{id}/activate", s.handleActivatePlugin)
	mux.HandleFunc("POST /api/v1/plugins/{id}/deactivate", s.handleDeactivatePlugin)
	mux.HandleFunc("POST /api/v1/plugins/{id}/update", s.handleUpdatePlugin)
	mux.HandleFunc("POST /api/v1/plugins/{id}/disable", s.handleDisablePlugin)
	mux.HandleFunc("POST /api/v1/plugins/{id}/enable", s.handleEnablePlugin)
	mux.HandleFunc("GET /api/v1/tools", s.handleListTools)
	mux.HandleFunc("POST /api/v1/tools/execute", s.handleExecuteTools)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/metrics", s.handleMetrics)

	var handler http.Handler = mux
	if s.auth != nil {
		handler = s.auth.Middleware()(handler)
	}
	return handler
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := plugin.Filter{
		Category:      query.Get("category"),
		TrustLevel:    plugin.TrustLevel(query.Get("trust_level")),
		Status:        plugin.Status(query.Get("status")),
		Keyword:       query.Get("keyword"),
		HasPermission: query.Get("permission"),
		HasTool:       query.Get("tool"),
	}
	writeJSON(w, http.StatusOK, s.registry.Search(filter))
}

// installRequest 是安装接口的请求体。
type installRequest struct {
	Manifest            *plugin.Manifest       `json:"manifest"`
	Force               bool                   `json:"force"`
	ActivateImmediately bool                   `json:"activate_immediately"`
	Config              *plugin.InstanceConfig `json:"config,omitempty"`
}

func (s *Server) handleInstallPlugin(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	err := s.registry.Install(req.Manifest, plugin.InstallOptions{
		Force:               req.Force,
		ActivateImmediately: req.ActivateImmediately,
		Config:              req.Config,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	inst, _ := s.registry.Get(req.Manifest.ID)
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "插件不存在", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleUninstallPlugin(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Uninstall(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivatePlugin(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.registry.Activate)
}

func (s *Server) handleDeactivatePlugin(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.registry.Deactivate)
}

func (s *Server) handleEnablePlugin(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.registry.Enable)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(string) error) {
	id := r.PathValue("id")
	if err := op(id); err != nil {
		writeError(w, err)
		return
	}
	inst, _ := s.registry.Get(id)
	writeJSON(w, http.StatusOK, inst)
}

// updateRequest 是更新接口的请求体。
type updateRequest struct {
	Manifest     *plugin.Manifest `json:"manifest"`
	AutoRollback bool             `json:"auto_rollback"`
	ResetConfig  bool             `json:"reset_config"`
}

func (s *Server) handleUpdatePlugin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	err := s.registry.Update(id, req.Manifest, plugin.UpdateOptions{
		AutoRollback: req.AutoRollback,
		ResetConfig:  req.ResetConfig,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	inst, _ := s.registry.Get(id)
	writeJSON(w, http.StatusOK, inst)
}

// disableRequest 是停用接口的请求体。
type disableRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDisablePlugin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req disableRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := s.registry.Disable(id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	inst, _ := s.registry.Get(id)
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if pluginID := r.URL.Query().Get("plugin_id"); pluginID != "" {
		writeJSON(w, http.StatusOK, s.bridge.GetPluginAITools(pluginID))
		return
	}
	if scope := r.URL.Query().Get("permission"); scope != "" {
		writeJSON(w, http.StatusOK, s.bridge.GetToolsByPermission(scope))
		return
	}
	writeJSON(w, http.StatusOK, s.bridge.GetAIToolDefinitions())
}

// executeRequest 是工具执行接口的请求体。
type executeRequest struct {
	Calls            []bridge.ToolCall  `json:"calls"`
	Context          bridge.CallContext `json:"context"`
	TimeoutMs        int64              `json:"timeout_ms,omitempty"`
	DryRun           bool               `json:"dry_run,omitempty"`
	SkipConfirmation bool               `json:"skip_confirmation,omitempty"`
	Parallel         bool               `json:"parallel,omitempty"`
}

func (s *Server) handleExecuteTools(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if len(req.Calls) == 0 {
		http.Error(w, "calls 不能为空", http.StatusBadRequest)
		return
	}
	opts := bridge.CallOptions{
		TimeoutMs:        req.TimeoutMs,
		DryRun:           req.DryRun,
		SkipConfirmation: req.SkipConfirmation,
	}
	var results []bridge.ToolCallResult
	if req.Parallel {
		results = s.bridge.ExecuteToolCallsParallel(r.Context(), req.Calls, req.Context, opts)
	} else {
		results = s.bridge.ExecuteToolCalls(r.Context(), req.Calls, req.Context, opts)
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetHealthSummary())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if pluginID := r.URL.Query().Get("plugin_id"); pluginID != "" {
		metrics, ok := s.registry.GetMetrics(pluginID)
		if !ok {
			http.Error(w, "插件不存在", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, metrics)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.GetAggregateMetrics())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把注册表错误码映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound, runtime.CodePluginNotFound, runtime.CodeToolNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, plugin.CodeVersionMismatch:
		status = http.StatusConflict
	case xerrors.CodeInvalidArgument, plugin.CodeConfigurationInvalid, runtime.CodeInvalidParameters:
		status = http.StatusBadRequest
	case plugin.CodeSecurityViolation, runtime.CodePermissionDenied:
		status = http.StatusForbidden
	case xerrors.CodeResourceExhausted, runtime.CodeRateLimited:
		status = http.StatusTooManyRequests
	}
	body := map[string]any{
		"code":    string(xerrors.CodeOf(err)),
		"message": err.Error(),
	}
	writeJSON(w, status, body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
