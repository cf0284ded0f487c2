package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	mr "github.com/paulniziolek/durable-mapreduce/pkg/mapreduce"
)

func main() {
	cfg := mr.DefaultConfig()
	fs := flag.NewFlagSet("mrmaster", flag.ExitOnError)
	cfg.RegisterFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mrmaster [flags] inputfiles...\n")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])
	cfg.Inputs = fs.Args()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fs.Usage()
		os.Exit(1)
	}

	m, err := mr.MakeMaster(cfg)
	if err != nil {
		log.Fatalf("cannot start master: %v", err)
	}
	for m.Done() == false {
		time.Sleep(time.Second)
	}

	// give workers a chance to hear EXIT before the socket goes away
	time.Sleep(time.Second)

	for _, out := range m.Outputs() {
		fmt.Println(out)
	}
	if err := m.Close(); err != nil {
		log.Fatalf("close: %v", err)
	}
}
