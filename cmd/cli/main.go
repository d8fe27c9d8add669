package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/dmvolov/exvault/internal/cli"
	"github.com/dmvolov/exvault/internal/server"
	"github.com/dmvolov/exvault/internal/server/config"
)

func main() {

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: exvault <register|sign-in|create-group|update-group|recover|sessions>")
		os.Exit(2)
	}

	ctx := context.Background()
	cfg := config.LoadConfig()

	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer app.Close()

	ctx, cancel := app.NotifyContext(ctx)
	defer cancel()

	if err := cli.NewApp(app.Vault(), app.SubAccounts()).Run(ctx, os.Args[1]); err != nil {
		log.Fatalf("%v", err)
	}
}
