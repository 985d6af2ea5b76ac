// Command wasworker is a demo WAS worker process: it binds a Session to
// three descriptors (inherited in the default slots, or given explicitly
// on the command line), serves requests with a tiny example handler, and
// optionally mirrors metric() calls into Prometheus.
//
// It exists to exercise the was package end to end, the way a real
// peer-spawned CGI-like worker would use it; it is not part of the
// protocol core itself.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	was "github.com/pfirsich/cm4all-libwas"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	controlFD  int
	inputFD    int
	outputFD   int
	configPath string
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:   "wasworker",
		Short: "Demo Web Application Socket (WAS) worker process",
		Long: `wasworker binds a was.Session to three file descriptors and serves
requests with an example handler, looping until the peer shuts the
connection down. It is a reference integration, not a production worker.`,
	}
	cmd.PersistentFlags().IntVar(&opts.controlFD, "control-fd", was.DefaultControlFD, "control channel descriptor")
	cmd.PersistentFlags().IntVar(&opts.inputFD, "input-fd", was.DefaultInputFD, "request body descriptor")
	cmd.PersistentFlags().IntVar(&opts.outputFD, "output-fd", was.DefaultOutputFD, "response body descriptor")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file (see was.Config)")

	cmd.AddCommand(newServeCmd(&opts))
	cmd.AddCommand(newSelftestCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the wasworker version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("wasworker (was protocol demo worker)")
			return nil
		},
	}
}

func loadConfig(path string) (was.Config, error) {
	if path == "" {
		return was.DefaultConfig(), nil
	}
	return was.LoadConfig(path)
}
