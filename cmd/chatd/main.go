package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/Sidharth-Singh10/affinity-chatd/internal/daemon"
	"github.com/Sidharth-Singh10/affinity-chatd/internal/identity"
)

func main() {
	idFlag := flag.String("identity", "", "user identity to run as")
	configFlag := flag.String("config", "", "config file path (default ~/.affinity-chat/config.toml)")
	flag.Parse()

	if err := identity.Validate(*idFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Identity:   *idFlag,
			ConfigPath: *configFlag,
		}),
	)

	app.Run()
}
