package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	https_server "KnowForge/api/http"
	"KnowForge/internal/config"
	"KnowForge/internal/initial"
	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/pkg/util/myjwt"
	"KnowForge/pkg/zlog"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func serveCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conf := config.GetConfig()
	app, err := initial.NewApp(ctx, conf)
	if err != nil {
		return err
	}
	defer app.Close()

	var wg sync.WaitGroup
	if c.Bool("worker") {
		d, recorder, err := app.NewDispatcher(ctx)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recorder.Close()
			if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zlog.Error("dispatcher stopped", zap.Error(err))
			}
		}()
	}

	sched := app.NewScheduler()
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	var srv *http.Server
	if c.Bool("http") {
		addr := fmt.Sprintf("%s:%d", conf.MainConfig.Host, conf.MainConfig.Port)
		srv = &http.Server{Addr: addr, Handler: https_server.NewEngine(app)}
		go func() {
			zlog.Info("服务器正在启动", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlog.Error("服务器启动失败", zap.Error(err))
				stop()
			}
		}()
	}

	// 等待退出信号
	<-ctx.Done()
	zlog.Info("正在关闭服务器...")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zlog.Warn("http shutdown failed", zap.Error(err))
		}
	}
	wg.Wait()
	zlog.Info("服务器已关闭")
	return nil
}

func reindexCommand(c *cli.Context) error {
	scope, err := scopeFromFlags(c.String("scope"), c.String("owner"), c.Int64("collection"))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := initial.NewApp(ctx, config.GetConfig())
	if err != nil {
		return err
	}
	defer app.Close()

	task, err := app.Reindex.RequestReindex(ctx, scope)
	if err != nil {
		return err
	}
	if c.Bool("wait") {
		for {
			ok, err := app.Reindex.RunPending(ctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		}
		if task, err = app.Reindex.GetTask(ctx, task.TaskID); err != nil {
			return err
		}
	}
	return printJSON(c.App.Writer, task)
}

func scopeFromFlags(scopeType, owner string, collectionID int64) (training.Scope, error) {
	var scope training.Scope
	switch strings.ToLower(strings.TrimSpace(scopeType)) {
	case training.ScopeCollection:
		scope = training.CollectionScope(owner, collectionID)
	case training.ScopeOwner:
		scope = training.OwnerScope(owner)
	case training.ScopeAll:
		scope = training.AllScope()
	default:
		return scope, fmt.Errorf("unknown scope %q", scopeType)
	}
	return scope, scope.Validate()
}

func statusCommand(c *cli.Context) error {
	app, err := initial.NewApp(c.Context, config.GetConfig())
	if err != nil {
		return err
	}
	defer app.Close()

	st, err := app.StatusService.QueryTrainingStatus(c.Context, c.Int64("collection"), c.Int("errors"))
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, st)
}

func repairCommand(c *cli.Context) error {
	app, err := initial.NewApp(c.Context, config.GetConfig())
	if err != nil {
		return err
	}
	defer app.Close()

	res, err := app.CollectionService.RepairOrphans(c.Context, c.Int64("collection"))
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, res)
}

func retryFailedCommand(c *cli.Context) error {
	app, err := initial.NewApp(c.Context, config.GetConfig())
	if err != nil {
		return err
	}
	defer app.Close()

	res, err := app.CollectionService.RetryFailed(c.Context, c.Int64("collection"))
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, res)
}

func tokenCommand(c *cli.Context) error {
	user := c.String("user")
	tok, err := myjwt.GenerateToken(user, user, c.String("team"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, tok)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
