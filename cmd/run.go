package cmd

import (
	"io"

	"github.com/jaffee/commandeer"
	"github.com/pilosa/elt/run"
	"github.com/spf13/cobra"
)

// RunMain is wrapped by NewRunCommand and only exported for testing purposes.
var RunMain *run.Main

// NewRunCommand returns a new cobra command wrapping RunMain.
func NewRunCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var err error
	RunMain = run.NewMain()
	runCommand := &cobra.Command{
		Use:   "run",
		Short: "run - execute a pipeline definition",
		Long: `Reads a pipeline definition file, builds its connectors, and executes
its stages in dependency order under a durable run id.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunMain.Run()
		},
	}
	flags := runCommand.Flags()
	err = commandeer.Flags(flags, RunMain)
	if err != nil {
		panic(err)
	}
	return runCommand
}

func init() {
	subcommandFns["run"] = NewRunCommand
}
