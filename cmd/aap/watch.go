package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"aapkit/internal/app"
	"aapkit/internal/domain"
	"aapkit/internal/live"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <file>",
		Short: "Re-validate a payload file whenever it changes",
		Long:  "Edits are debounced (validation.debounce_ms); only the result for the latest content is printed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			return withContext(cmd.Context(), false, func(ctx context.Context, ac *app.Context) error {
				ctrl := live.New(ac.Engine.ValidatorFunc,
					live.WithDelay(cfg.Debounce()),
					live.WithLogger(logger),
					live.WithOnResult(func(res domain.ValidationResult) {
						fmt.Printf("--- %s\n", filepath.Base(path))
						if err := printResult(res); err != nil {
							logger.Warn("print result", zap.Error(err))
						}
					}))
				defer ctrl.Close()
				ctrl.SetSchemasLoaded(ac.Registry.Initialized())
				if !ac.Registry.Initialized() {
					logger.Warn("schemas not initialized; nothing will be validated")
				}
				return watchFile(ctx, path, ctrl)
			})
		},
	}
	return cmd
}

func watchFile(ctx context.Context, path string, ctrl *live.Controller) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	load := func() {
		v, err := readJSON(os.Stdin, path)
		if err != nil {
			logger.Warn("payload unreadable", zap.String("path", path), zap.Error(err))
			return
		}
		ctrl.SetPayload(v)
	}
	load()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					load()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				logger.Error("watcher error", zap.Error(err))
			}
		}
	})
	return g.Wait()
}
