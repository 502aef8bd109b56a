package main

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/lab5e/ringfunk/pkg/ctrlc"
)

func main() {
	var params ctrlc.Parameters
	k, err := kong.New(&params, kong.Name("ctrlc"),
		kong.Description("Router management utility"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: false,
		}))
	if err != nil {
		panic(err)
	}
	ctx, err := k.Parse(os.Args[1:])
	if err != nil {
		k.FatalIfErrorf(err)
		return
	}
	ctx.BindTo(ctrlc.NewRunContext(params), (*ctrlc.RunContext)(nil))
	if err := ctx.Run(); err != nil {
		// The commands print their own errors
		os.Exit(1)
	}
}
