// Package mcp exposes the KFRE engine as Model Context Protocol tools.
// The server needs no external services: results are cached in memory and
// runs are logged to SQLite.
package mcp

import (
	"context"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/kfre-risk-server/internal/audit"
	"github.com/kfre-risk-server/internal/cache"
	litecfg "github.com/kfre-risk-server/internal/config"
	"github.com/kfre-risk-server/internal/logging"
	"github.com/kfre-risk-server/internal/service"
)

// ServerName and ServerVersion identify the server to MCP clients.
const (
	ServerName    = "kfre-risk-server"
	ServerVersion = "v1.0.0"
)

// LiteServer is an MCP server over stdio.
type LiteServer struct {
	config     *litecfg.LiteConfig
	mcpServer  *mcp.Server
	auditStore audit.Store
	cache      *cache.MemoryCache
	predictor  *service.RiskPredictor
	patients   *service.PatientPredictor
	logger     *logrus.Logger
	tools      []string
}

// LiteServerOption is a functional option for LiteServer.
type LiteServerOption func(*LiteServer) error

// WithAuditStore sets a custom run log.
func WithAuditStore(store audit.Store) LiteServerOption {
	return func(s *LiteServer) error {
		s.auditStore = store
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *logrus.Logger) LiteServerOption {
	return func(s *LiteServer) error {
		s.logger = logger
		return nil
	}
}

// NewLiteServer creates a new MCP server instance.
func NewLiteServer(cfg *litecfg.LiteConfig, opts ...LiteServerOption) (*LiteServer, error) {
	// stdout carries the protocol, so logs go to stderr
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.SetOutput(os.Stderr)

	server := &LiteServer{
		config: cfg,
		logger: logger,
	}

	for _, opt := range opts {
		if err := opt(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	memCache, err := cache.NewMemoryCache(cfg.CacheMaxItems, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	server.cache = memCache

	if server.auditStore == nil {
		if cfg.AuditEnabled {
			if err := cfg.EnsureDataDir(); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
			store, err := audit.NewSQLiteStore(cfg.AuditDBPath())
			if err != nil {
				return nil, fmt.Errorf("failed to create audit store: %w", err)
			}
			server.auditStore = store
		} else {
			server.auditStore = audit.NopStore{}
		}
	}

	server.predictor = service.NewRiskPredictor(server.logger, cfg.Workers, cfg.MaleToken)
	server.patients = service.NewPatientPredictor(server.logger, memCache, cfg.MaleToken, cfg.FemaleToken)

	server.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: ServerVersion,
	}, nil)

	server.registerTools()

	server.logger.WithField("tool_count", len(server.tools)).Info("MCP server initialized")
	return server, nil
}

// registerTools registers every tool with the MCP SDK.
func (s *LiteServer) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "predict_kfre_risk",
		Description: "Predict the 2- and/or 5-year risk of kidney failure for one or more patients " +
			"with the Kidney Failure Risk Equation. Extended 6- and 8-variable models fall back to " +
			"the 4-variable model when their covariates are missing.",
	}, s.handlePredictRisk)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "predict_kfre_table",
		Description: "Append kfre_<n>var_<y>year risk columns to a CSV patient table and summarize each column.",
	}, s.handlePredictTable)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "estimate_uacr",
		Description: "Estimate the urine albumin-creatinine ratio (mg/g) from the protein-creatinine ratio.",
	}, s.handleEstimateUACR)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "convert_units",
		Description: "Convert lab values to the units the risk equation expects.",
	}, s.handleConvertUnits)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_runs",
		Description: "List recent prediction runs, newest first. Runs record counts and model choices only.",
	}, s.handleListRuns)

	s.tools = []string{"predict_kfre_risk", "predict_kfre_table", "estimate_uacr", "convert_units", "list_runs"}
	for _, name := range s.tools {
		s.logger.WithField("tool_name", name).Debug("Registered MCP tool")
	}
}

// Tools returns the registered tool names.
func (s *LiteServer) Tools() []string {
	return append([]string(nil), s.tools...)
}

// Start runs the server over stdio until ctx is cancelled or the client
// disconnects.
func (s *LiteServer) Start(ctx context.Context) error {
	s.logger.Info("Starting KFRE MCP server on stdio")

	if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

// Close cleans up server resources.
func (s *LiteServer) Close() error {
	if s.auditStore != nil {
		if err := s.auditStore.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close audit store")
			return err
		}
	}
	return nil
}

// AuditStore returns the run log for external access.
func (s *LiteServer) AuditStore() audit.Store {
	return s.auditStore
}

// Cache returns the memory cache for external access.
func (s *LiteServer) Cache() *cache.MemoryCache {
	return s.cache
}
