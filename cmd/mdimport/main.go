package main

import (
	"os"

	"github.com/urfave/cli"

	mdcli "github.com/zelig-tools/mdimport/internal/cli"
)

const toolName = "mdimport"

var configFlag = cli.StringFlag{
	Name:  "config, c",
	Usage: "configuration file",
	Value: "mdimport.json",
}

var verboseFlag = cli.BoolFlag{
	Name:  "verbose, v",
	Usage: "print progress information",
}

var debugFlag = cli.BoolFlag{
	Name:  "debug",
	Usage: "print debugging output",
}

// loadFlags are shared by the load and resolve commands. Set flags win over
// the configuration file and the environment.
var loadFlags = []cli.Flag{
	cli.StringSliceFlag{Name: "path, p", Usage: "assembly search directory (repeatable)"},
	cli.StringSliceFlag{Name: "symbols", Usage: "extra directory to search for .pdb files (repeatable)"},
	cli.StringFlag{Name: "registry", Usage: "base URL of an assembly registry"},
	cli.BoolFlag{Name: "http3", Usage: "talk to the registry over HTTP/3"},
	cli.StringFlag{Name: "policy", Usage: "version policy: exact, forward, any or a constraint such as '>= 4.0, < 5'"},
	cli.BoolFlag{Name: "code", Usage: "extract method bodies"},
	cli.BoolFlag{Name: "debug-info", Usage: "attach .pdb symbols"},
	cli.IntFlag{Name: "parallel, j", Usage: "images decoded concurrently (0 = GOMAXPROCS)"},
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = toolName
	app.Usage = "Import and resolve managed assembly metadata."
	app.Version = mdcli.Version
	app.HideVersion = true
	app.Flags = []cli.Flag{configFlag, verboseFlag, debugFlag}
	app.Commands = []cli.Command{
		{
			Name:      "load",
			Usage:     "decode images and report what they contain",
			ArgsUsage: "FILE...",
			Flags:     loadFlags,
			Action:    runLoad,
		},
		{
			Name:      "resolve",
			Usage:     "decode images, bind their references and link them",
			ArgsUsage: "FILE...",
			Flags:     loadFlags,
			Action:    runResolve,
		},
		{
			Name:   "config",
			Usage:  "print the effective configuration",
			Flags:  loadFlags,
			Action: runConfig,
		},
		{
			Name:  "version",
			Usage: "print version information",
			Flags: []cli.Flag{cli.BoolFlag{Name: "json", Usage: "output in JSON format"}},
			Action: func(c *cli.Context) error {
				mdcli.PrintVersion(c.App.Writer, toolName, c.Bool("json"))
				return nil
			},
		},
	}
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		mdcli.ExitWithError("%v", err)
	}
}
