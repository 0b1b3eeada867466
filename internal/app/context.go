package app

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"aapkit/internal/config"
	"aapkit/internal/db"
	"aapkit/internal/engine"
	"aapkit/internal/migrate"
	"aapkit/internal/schema"
)

// Context is everything a command needs to serve or validate tokens.
type Context struct {
	Config   *config.Config
	Docs     map[string]any
	SchemaFS fs.FS
	Registry *schema.Registry
	DB       *sql.DB
	Engine   engine.Engine
}

// Options controls Open.
type Options struct {
	// WithLog opens and migrates the issuance log under the workspace.
	WithLog bool
	Logger  *zap.Logger
}

// Close releases the database, if one was opened.
func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// SchemaSource returns the schema directory from cfg, or the bundled
// schemas when none is configured.
func SchemaSource(cfg *config.Config) (fs.FS, error) {
	if cfg == nil || cfg.Schemas.Dir == "" {
		return schema.Embedded(), nil
	}
	info, err := os.Stat(cfg.Schemas.Dir)
	if err != nil {
		return nil, fmt.Errorf("schemas dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schemas dir %s is not a directory", cfg.Schemas.Dir)
	}
	return os.DirFS(cfg.Schemas.Dir), nil
}

// Open loads the schemas, initializes a registry and builds the engine.
// A registry that ends up uninitialized is not an error; validation then
// reports it per call.
func Open(ctx context.Context, workspace string, cfg *config.Config, opts Options) (*Context, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	src, err := SchemaSource(cfg)
	if err != nil {
		return nil, err
	}
	docs, err := schema.LoadFS(src, logger)
	if err != nil {
		logger.Warn("no schemas loaded", zap.Error(err))
		docs = map[string]any{}
	}
	reg := schema.NewRegistry(schema.WithBaseURI(cfg.Schemas.BaseURI), schema.WithLogger(logger))
	reg.Initialize(docs)

	out := &Context{Config: cfg, Docs: docs, SchemaFS: src, Registry: reg}
	if opts.WithLog {
		conn, err := db.Open(ctx, db.Config{Workspace: workspace})
		if err != nil {
			return nil, fmt.Errorf("open issuance log: %w", err)
		}
		applied, err := migrate.Migrate(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate issuance log: %w", err)
		}
		if applied > 0 {
			logger.Debug("issuance log migrated", zap.Int("applied", applied), zap.String("path", db.Path(workspace)))
		}
		out.DB = conn
	}
	out.Engine = engine.New(out.DB, cfg, reg)
	out.Engine.Logger = logger
	return out, nil
}
