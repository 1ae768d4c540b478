package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/guestpull/internal/staging"
	"github.com/majorcontext/guestpull/internal/ui"
)

var stagingCmd = &cobra.Command{
	Use:   "staging",
	Short: "Manage pull staging directories",
}

var stagingCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove staging directories left by interrupted pulls",
	Long: `Remove <staging_root>/<container-id> directories whose image_oci layout
has not been modified anywhere for --min-age. A running pull holds a lock on
its staging directory for the whole copy and unpack; locked directories are
never removed.`,
	Args: cobra.NoArgs,
	RunE: runStagingClean,
}

var (
	stagingMinAge time.Duration
	stagingDryRun bool
)

func init() {
	rootCmd.AddCommand(stagingCmd)
	stagingCmd.AddCommand(stagingCleanCmd)
	stagingCleanCmd.Flags().DurationVar(&stagingMinAge, "min-age", time.Hour,
		"Minimum age of staging directories to clean (e.g., 1h, 24h)")
	stagingCleanCmd.Flags().BoolVar(&stagingDryRun, "dry-run", false,
		"Show what would be cleaned without removing anything")
}

func runStagingClean(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stale, err := staging.FindStale(cfg.Paths.StagingRoot, stagingMinAge)
	if err != nil {
		return fmt.Errorf("scanning staging directories: %w", err)
	}
	if len(stale) == 0 {
		fmt.Println("No stale staging directories found.")
		return nil
	}

	var total int64
	fmt.Printf("Found %d stale staging director%s:\n\n", len(stale), plural(len(stale), "y", "ies"))
	for _, d := range stale {
		total += d.Size
		age := time.Since(d.ModTime).Round(time.Minute)
		fmt.Printf("  %s  %s  %s\n", d.Path, ui.Dim(age.String()+" old"), staging.FormatSize(d.Size))
	}
	fmt.Printf("\nTotal: %s\n", staging.FormatSize(total))

	if stagingDryRun {
		fmt.Println("\nDry run: nothing removed.")
		return nil
	}

	removed, err := staging.Clean(stale, stagingMinAge)
	fmt.Printf("\n%s Removed %d director%s\n", ui.Tag(err == nil), removed, plural(removed, "y", "ies"))
	if err != nil {
		ui.Errorf("%v", err)
		return err
	}
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
