package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recurd/internal/app"
	"recurd/internal/dispatch"
	"recurd/internal/schedule"
	logx "recurd/pkg/logx"
)

func main() {
	var (
		cfgPath  string
		list     bool
		addExpr  string
		addTask  string
		resource string
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.BoolVar(&list, "list", false, "list schedules and exit")
	flag.StringVar(&addExpr, "add", "", "add a schedule with this recurrence expression and exit")
	flag.StringVar(&addTask, "task", "", "task name for -add")
	flag.StringVar(&resource, "resource", "", "optional serialization tag for -add")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if list || addExpr != "" {
		err := runAdmin(ctx, a, list, addExpr, addTask, resource)
		_ = a.Store().Close()
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	// Built-in task: structured log of the payload. Anything beyond this
	// is registered by embedders via app.Tasks().
	taskLog := logx.NewConsole("info").With(logx.String("comp", "tasks"))
	a.Tasks().Register("log", func(ctx context.Context, job dispatch.Job) error {
		taskLog.Info("scheduled task fired",
			logx.String("schedule_id", job.ScheduleID),
			logx.Any("args", job.Args),
			logx.Any("kwargs", job.Kwargs))
		return nil
	})

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
}

func runAdmin(ctx context.Context, a *app.App, list bool, expr, task, resource string) error {
	switch {
	case list:
		recs, err := a.Store().List(ctx)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		out := make([]map[string]any, 0, len(recs))
		for _, rec := range recs {
			entry, err := rec.AsEntry(a.Store())
			if err != nil {
				out = append(out, rec.ToRaw())
				continue
			}
			out = append(out, entry.Display(now))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)

	case expr != "":
		if task == "" {
			return fmt.Errorf("-add requires -task")
		}
		rec, err := schedule.New(expr, task, schedule.Options{Resource: resource})
		if err != nil {
			return err
		}
		if err := a.Store().Insert(ctx, rec); err != nil {
			return err
		}
		fmt.Println(rec.ID)
		return nil
	}
	return nil
}
