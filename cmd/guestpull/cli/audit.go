package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/majorcontext/guestpull/internal/audit"
	"github.com/majorcontext/guestpull/internal/ui"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the pull audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain of the audit log",
	Args:  cobra.NoArgs,
	RunE:  runAuditVerify,
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the most recent audit entries",
	Args:  cobra.NoArgs,
	RunE:  runAuditList,
}

var auditListLimit uint64

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditListCmd)
	auditListCmd.Flags().Uint64VarP(&auditListLimit, "limit", "n", 20, "Number of entries to print")
}

func openAuditStore() (*audit.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Audit.DBPath == "" {
		return nil, fmt.Errorf("audit log disabled: audit.db_path is empty")
	}
	if _, err := os.Stat(cfg.Audit.DBPath); err != nil {
		return nil, fmt.Errorf("audit log %s: %w", cfg.Audit.DBPath, err)
	}
	return audit.OpenStore(cfg.Audit.DBPath)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	store, err := openAuditStore()
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := store.VerifyChain()
	if err != nil {
		return err
	}

	if jsonOut {
		if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
			return err
		}
	} else {
		fmt.Printf("%s %d entries checked\n", ui.Tag(result.Valid), result.EntryCount)
		if !result.Valid {
			fmt.Printf("  broken at entry %d: %s\n", result.BrokenAt, result.Error)
		}
	}
	if !result.Valid {
		return fmt.Errorf("audit chain broken at entry %d", result.BrokenAt)
	}
	return nil
}

func runAuditList(cmd *cobra.Command, args []string) error {
	store, err := openAuditStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Tail(auditListLimit)
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(entries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tDATA")
	for _, e := range entries {
		data, _ := json.Marshal(e.Data)
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.Sequence,
			e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Type, data)
	}
	return w.Flush()
}
