// astrotaskd runs the task queue of an observatory and exposes it over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nasa-jpl/astrotask/config"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "dev"

	// ConfigFileName is what it sounds like
	ConfigFileName = "astrotaskd.yml"
)

const helpText = `astrotaskd is amenable to configuration via its .yml file and the
environment.  For a primer on YAML, see https://yaml.org/start.html

Every key may be overridden from the environment, prefixed with ASTROTASK_
and with nesting spelled as a double underscore, e.g.
ASTROTASK_STORE__URL=postgres://... sets store.url.

Devices are listed under "devices" with a name, by which tasks refer to them,
and a type, case insensitive:
- mock-ccd          simulated camera, args: ccds, width, height, focuser,
                    bestfocus, defocusscale
- mock-cooler       simulated cooler, args: settle
- mock-filterwheel  simulated filter wheel, args: filters, move
- mock-focuser      simulated focuser, args: speed, position
- ascii-focuser     focuser speaking POS?/MOV/MOVING?/HALT over TCP or RS232,
                    addr is host:port or a serial device

With mock: true every device is replaced by its simulation.`

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "astrotaskd",
		Short:         "observatory task queue daemon",
		Long:          helpText,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&ConfigFileName, "config", "c", ConfigFileName, "configuration file")
	root.AddCommand(newRunCommand(), newMkconfCommand(), newConfCommand(), newVersionCommand())
	return root
}

func newMkconfCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mkconf",
		Short: "write the effective configuration to the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := config.Load(ConfigFileName)
			if err != nil {
				return err
			}
			f, err := os.Create(ConfigFileName)
			if err != nil {
				return err
			}
			defer f.Close()
			return config.Write(f, c)
		},
	}
}

func newConfCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "conf",
		Short: "print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := config.Load(ConfigFileName)
			if err != nil {
				return err
			}
			return config.Write(cmd.OutOrStdout(), c)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "astrotaskd version %v\n", Version)
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
