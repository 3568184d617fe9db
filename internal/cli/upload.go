package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var uploadNoWait bool

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload geospatial files as one batch",
	Long: `Upload files to the server and follow the batch until it finishes.

Supported formats: Shapefile (.zip with .prj), GeoJSON (.geojson, .json),
GPX, KML/KMZ, TopoJSON and WKT. Files the server cannot read are reported
as failed without stopping the batch.

Examples:
  mapnotebook upload roads.zip tracks.gpx
  mapnotebook upload --no-wait area.geojson`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().BoolVar(&uploadNoWait, "no-wait", false, "print the session id and return immediately")
}

func runUpload(cmd *cobra.Command, args []string) error {
	id, err := apiClient.Upload(cmd.Context(), args)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return follow(cmd, id, uploadNoWait)
}

// follow prints the session id or shows the batch's progress.
func follow(cmd *cobra.Command, id string, noWait bool) error {
	if noWait {
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	}
	if plain {
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s\n", id)
		return RunPlainProgress(cmd.Context(), apiClient, cmd.OutOrStdout(), id)
	}
	return RunBatchProgress(apiClient, id)
}
