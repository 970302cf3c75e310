package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zapgw/internal/app"
	"zapgw/internal/transport/dev"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The loopback dialer pairs and delivers locally. Swap in a real provider
	// dialer here when wiring against an upstream.
	gw, err := app.New(cfgPath, dev.NewDialer())
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := gw.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer scancel()
	_ = gw.Stop(sctx)
}
