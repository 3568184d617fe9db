package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/mapnotebook/internal/decode"
)

var decodeLabels string

var decodeCmd = &cobra.Command{
	Use:   "decode <file>",
	Short: "Decode a file locally and print its geometry as JSON",
	Long: `Run the server's decoders on a local file without uploading it. The output
is the geometry record the file would add to the index: paths, points and
metadata labels.`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().StringVar(&decodeLabels, "labels", "", "shapefile label style: short or detailed (default from config)")
}

func runDecode(cmd *cobra.Command, args []string) error {
	labels := decodeLabels
	if labels == "" {
		labels = cfg.ShapefileLabels
	}
	style := decode.LabelStyle(labels)
	if style != decode.LabelShort && style != decode.LabelDetailed {
		return fmt.Errorf("unknown label style %q (want short or detailed)", labels)
	}

	registry := decode.NewRegistry(decode.Options{ShapefileLabels: style})
	path := args[0]
	rec, err := registry.Decode(context.Background(), filepath.Base(path), path)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(rec)
}
