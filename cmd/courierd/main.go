package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/courier-chat/courier/internal/config"
	"github.com/courier-chat/courier/internal/daemon"
	"github.com/courier-chat/courier/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	profile := session.Resolve(*profileFlag, cfg.DefaultProfile)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: profile, Config: cfg}),
	)

	app.Run()
}
