package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/mapnotebook/internal/nspd"
)

var nspdNoWait bool

var nspdCmd = &cobra.Command{
	Use:   "nspd locality|border <number>",
	Short: "Add a cadastral registry object by its number",
	Long: `Look up a settlement (locality) or a municipal formation border in the
national cadastral registry and add its geometry to the day's index.

Examples:
  mapnotebook nspd locality 50:20-6.1
  mapnotebook nspd border 50:20-3.12`,
	Args: cobra.ExactArgs(2),
	RunE: runNSPD,
}

func init() {
	nspdCmd.Flags().BoolVar(&nspdNoWait, "no-wait", false, "print the session id and return immediately")
}

func runNSPD(cmd *cobra.Command, args []string) error {
	kind, err := nspd.ParseKind(args[0])
	if err != nil {
		return err
	}
	id, err := apiClient.Lookup(cmd.Context(), string(kind), args[1])
	if err != nil {
		return fmt.Errorf("registry lookup: %w", err)
	}
	return follow(cmd, id, nspdNoWait)
}
