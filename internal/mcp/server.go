// Package mcp exposes simregress over the Model Context Protocol so an agent
// can run the regression suite and inspect past runs.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/nvandessel/simregress/internal/config"
	"github.com/nvandessel/simregress/internal/harness"
	"github.com/nvandessel/simregress/internal/logging"
	"github.com/nvandessel/simregress/internal/ratelimit"
)

// Server wraps the MCP SDK server with the simregress tools.
type Server struct {
	server       *sdk.Server
	harness      *harness.Harness
	settings     *config.SimregressConfig
	root         string
	logger       *slog.Logger
	auditLogger  *AuditLogger
	toolLimiters ratelimit.Tools

	// runMu serializes suite runs: cases share the project's case directories.
	runMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Config holds server configuration.
type Config struct {
	Name    string // Server name (e.g., "simregress")
	Version string // Server version
	Root    string // Project root directory

	// Settings is the user configuration. Nil loads it with config.Load.
	Settings *config.SimregressConfig

	// Logger receives diagnostics. It must not write to stdout, which
	// carries the protocol. Nil discards.
	Logger *slog.Logger
}

// NewServer creates an MCP server with the simregress tools and resources.
func NewServer(cfg *Config) (*Server, error) {
	settings := cfg.Settings
	if settings == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		settings = loaded
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, config.DirName), 0700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", config.DirName, err)
	}

	mcpServer := sdk.NewServer(&sdk.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, &sdk.ServerOptions{
		InitializedHandler: func(ctx context.Context, req *sdk.InitializedRequest) {
			logger.Debug("mcp client initialized")
		},
	})

	var auditLogger *AuditLogger
	if home, err := os.UserHomeDir(); err == nil {
		auditLogger = NewAuditLogger(root, home)
	} else {
		auditLogger = NewAuditLogger(root, root)
	}

	s := &Server{
		server:       mcpServer,
		harness:      harness.New(settings, logger),
		settings:     settings,
		root:         root,
		logger:       logger,
		auditLogger:  auditLogger,
		toolLimiters: ratelimit.NewTools(ratelimit.DefaultRules()),
	}

	s.registerTools()
	s.registerResources()

	return s, nil
}

// Run serves MCP over stdio until the client disconnects, ctx is cancelled,
// or the process receives an interrupt.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	notifySignals(sigChan)
	go func() {
		select {
		case <-sigChan:
			s.logger.Info("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	err := s.server.Run(ctx, &sdk.StdioTransport{})
	if closeErr := s.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Close releases the audit logs. It is safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.auditLogger.Close()
	})
	return s.closeErr
}
