package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pedrolmn/chatlink/internal/app"
	"github.com/pedrolmn/chatlink/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fx.New(
		app.Module(app.Params{Profile: name}),
	).Run()
}
