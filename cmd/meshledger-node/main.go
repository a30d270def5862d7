package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

type cli struct {
	cfgFile string
	stdout  io.Writer
	stderr  io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "meshledger-node",
		Short:         "Offline-first mesh ledger node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&c.cfgFile, "config", "c", "", "config file (default ./configs/meshledger.yaml or ./meshledger.yaml)")

	root.AddCommand(
		c.runCmd(),
		c.statusCmd(),
		c.balanceCmd(),
		c.sendCmd(),
		c.exportCmd(),
		c.importCmd(),
		c.wipeCmd(),
		c.keygenCmd(),
		c.trustCmd(),
	)
	return root
}
