package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/souq/internal/daemon"
	"github.com/matheus3301/souq/internal/instance"
	"go.uber.org/fx"
)

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	flag.Parse()

	instanceName := instance.Resolve(*instanceFlag)
	if err := instance.ValidateName(instanceName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{InstanceName: instanceName}),
	)
	if err := app.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app.Run()
}
