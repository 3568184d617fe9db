// Package cli provides the command-line interface for mapnotebook.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/mapnotebook/internal/client"
	"github.com/raphaelgruber/mapnotebook/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL string
	plain     bool

	// Global config and API client
	cfg       config.Config
	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mapnotebook",
	Short: "Collect map geometry into the cartographer's notebook",
	Long: `mapnotebook sends geospatial files (Shapefile ZIP, GeoJSON, GPX, KML/KMZ,
TopoJSON, WKT) and cadastral registry lookups to a mapnotebook server, which
flattens them into the day's map index on Yandex Disk.

Progress is streamed live; press Ctrl+C to leave a batch running in the
background and pick it up later with 'mapnotebook watch'.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		url := serverURL
		if url == "" {
			url = cfg.ServerURL
		}
		apiClient = client.New(url)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default $MAPNOTEBOOK_URL or http://localhost:8484)")
	rootCmd.PersistentFlags().BoolVar(&plain, "plain", false, "print progress as plain log lines instead of the interactive view")

	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(nspdCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(batchesCmd)
}

