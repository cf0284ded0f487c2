package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulniziolek/durable-mapreduce/pkg/apps/wc"
	mr "github.com/paulniziolek/durable-mapreduce/pkg/mapreduce"
)

func main() {
	cfg := mr.DefaultWorkerConfig()
	fs := flag.NewFlagSet("mrworker", flag.ExitOnError)
	cfg.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	w, err := mr.NewWorker(cfg, wc.Map, wc.Reduce, mr.NewFileStorage(cfg.Dir))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fs.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("worker %s: %v", w.ID(), err)
	}
}
