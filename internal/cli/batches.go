package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/mapnotebook/internal/models"
)

var batchesLimit int

var batchesCmd = &cobra.Command{
	Use:   "batches [batch-id]",
	Short: "List or inspect finished batches",
	Long: `List recent batches from the server's history or inspect one by ID.
History must be enabled on the server (HISTORY_ENABLED=true).

Examples:
  mapnotebook batches            # List recent batches
  mapnotebook batches abc123     # Show details for batch abc123`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBatches,
}

func init() {
	batchesCmd.Flags().IntVar(&batchesLimit, "limit", 20, "number of batches to list")
}

func runBatches(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if len(args) == 1 {
		return showBatch(ctx, cmd.OutOrStdout(), args[0])
	}
	return listBatches(ctx, cmd.OutOrStdout())
}

func listBatches(ctx context.Context, w io.Writer) error {
	batches, err := apiClient.ListBatches(ctx, batchesLimit)
	if err != nil {
		return fmt.Errorf("list batches: %w", err)
	}
	printBatchList(w, batches)
	return nil
}

func printBatchList(w io.Writer, batches []models.BatchRecord) {
	if len(batches) == 0 {
		fmt.Fprintln(w, "No batches found")
		return
	}

	fmt.Fprintf(w, "%-36s %-10s %-10s %-6s %-6s %s\n", "ID", "STATUS", "FOLDER", "OK", "FAILED", "STARTED")
	fmt.Fprintln(w, "--------------------------------------------------------------------------------------------")
	for _, b := range batches {
		fmt.Fprintf(w, "%-36s %-10s %-10s %-6d %-6d %s\n",
			batchID(b), b.Status, b.Folder, len(b.Processed), len(b.Failed),
			b.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
}

func showBatch(ctx context.Context, w io.Writer, id string) error {
	b, err := apiClient.GetBatch(ctx, id)
	if err != nil {
		return fmt.Errorf("get batch: %w", err)
	}
	printBatch(w, b)
	return nil
}

func printBatch(w io.Writer, b *models.BatchRecord) {
	fmt.Fprintf(w, "Batch:     %s\n", batchID(*b))
	fmt.Fprintf(w, "Status:    %s\n", b.Status)
	fmt.Fprintf(w, "Folder:    %s\n", b.Folder)
	fmt.Fprintf(w, "Started:   %s\n", b.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if b.CompletedAt != nil {
		fmt.Fprintf(w, "Duration:  %s\n", b.CompletedAt.Sub(b.StartedAt).Round(10*time.Millisecond))
	}
	fmt.Fprintf(w, "Persisted: %t\n", b.Persisted)
	if b.Error != nil {
		fmt.Fprintf(w, "Error:     %s\n", *b.Error)
	}
	if b.PersistError != nil {
		fmt.Fprintf(w, "Upload:    %s\n", *b.PersistError)
	}

	if len(b.Processed) > 0 {
		fmt.Fprintf(w, "\nProcessed (%d):\n", len(b.Processed))
		for _, f := range b.Processed {
			fmt.Fprintf(w, "  • %s (%s)\n", f.Name, f.Size)
		}
	}
	if len(b.Failed) > 0 {
		fmt.Fprintf(w, "\nFailed (%d):\n", len(b.Failed))
		for _, f := range b.Failed {
			fmt.Fprintf(w, "  • %s (%s): %s\n", f.Name, f.Size, f.Error)
		}
	}
}

// batchID renders the record key without its table prefix.
func batchID(b models.BatchRecord) string {
	if id, err := models.RecordIDString(b.ID); err == nil {
		return id
	}
	return fmt.Sprint(b.ID.ID)
}
