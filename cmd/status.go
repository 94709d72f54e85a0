package cmd

import (
	"io"

	"github.com/jaffee/commandeer"
	"github.com/pilosa/elt/run"
	"github.com/spf13/cobra"
)

// StatusMain is wrapped by NewStatusCommand and only exported for testing purposes.
var StatusMain *run.StatusMain

// NewStatusCommand returns a new cobra command wrapping StatusMain.
func NewStatusCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var err error
	StatusMain = run.NewStatusMain()
	statusCommand := &cobra.Command{
		Use:   "status",
		Short: "status - inspect a recorded run",
		Long: `Prints the per-stage status of a run from the run state store, or the
full status change log with --history.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return StatusMain.Run()
		},
	}
	flags := statusCommand.Flags()
	err = commandeer.Flags(flags, StatusMain)
	if err != nil {
		panic(err)
	}
	return statusCommand
}

func init() {
	subcommandFns["status"] = NewStatusCommand
}
