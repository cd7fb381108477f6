package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/archgen/pkg/diagram"
	"github.com/Sumatoshi-tech/archgen/pkg/report"
	"github.com/Sumatoshi-tech/archgen/pkg/state"
)

// stdinPath reads the diagram from standard input.
const stdinPath = "-"

// ErrWriteStdin is returned when --write is combined with stdin input.
var ErrWriteStdin = errors.New("cannot --write to stdin")

type stringWarning string

func (w stringWarning) String() string { return string(w) }

func newSanitizeCommand() *cobra.Command {
	var (
		showDiff bool
		write    bool
	)

	cmd := &cobra.Command{
		Use:   "sanitize <file>",
		Short: "Repair common syntax defects in a Mermaid file",
		Long: `Read a Mermaid diagram (- for stdin), repair common syntax defects and
print the result. Structural problems that cannot be repaired are reported as
warnings on stderr.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			before, err := readDiagram(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}

			after := diagram.Sanitize(before)
			out := cmd.OutOrStdout()

			switch {
			case showDiff:
				stats := report.RenderDiff(out, before, after)
				if !stats.Changed() {
					color.New(color.FgGreen).Fprintln(cmd.ErrOrStderr(), "already clean")
				}
			case !write:
				_, err = io.WriteString(out, after)
				if err != nil {
					return fmt.Errorf("write diagram: %w", err)
				}
			}

			if write && before != after {
				if path == stdinPath {
					return ErrWriteStdin
				}

				err = state.WriteFileAtomic(path, []byte(after))
				if err != nil {
					return fmt.Errorf("write %s: %w", path, err)
				}
			}

			warnings := diagram.Validate(after)

			ws := make([]stringWarning, len(warnings))
			for i, w := range warnings {
				ws[i] = stringWarning(w)
			}

			report.RenderWarnings(cmd.ErrOrStderr(), ws)

			return nil
		},
	}

	cmd.Flags().BoolVar(&showDiff, "diff", false, "Print a line diff instead of the repaired diagram")
	cmd.Flags().BoolVarP(&write, "write", "w", false, "Write the repaired diagram back to the file")

	return cmd
}

func readDiagram(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)

	if path == stdinPath {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}

	if err != nil {
		return "", fmt.Errorf("read diagram: %w", err)
	}

	return string(data), nil
}
