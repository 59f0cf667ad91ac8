package main

import (
	"context"
	"e2e_group/internal/config"
	"e2e_group/internal/model"
	"e2e_group/internal/service/app"
	"e2e_group/internal/service/client"
	"e2e_group/internal/utils/log"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML config (default $"+config.EnvVar+")")
		dbPath     = flag.String("db", "", "client database, overrides store.path")
		nodes      = flag.StringSlice("node", nil, "node URL, overrides backend.nodes (repeatable)")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <inbox>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	inbox := model.InboxID(flag.Arg(0))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if len(*nodes) > 0 {
		cfg.Backend.Nodes = *nodes
	}
	if err := log.Setup(cfg.Log.Level, cfg.Log.JSON); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.Open(ctx, cfg, inbox)
	if err != nil {
		log.Fatal("open client failed", zap.Error(err))
	}
	defer c.Close()

	ui := app.NewApp(c)
	go func() {
		<-ctx.Done()
		ui.Stop()
	}()
	if err := ui.Run(ctx); err != nil {
		log.Error("app stopped", zap.Error(err))
	}
}
