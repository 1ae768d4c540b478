package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/majorcontext/guestpull/internal/ui"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List images pulled by the running agent",
	Args:  cobra.NoArgs,
	RunE:  runImages,
}

func init() {
	rootCmd.AddCommand(imagesCmd)
}

func runImages(cmd *cobra.Command, args []string) error {
	client, err := newAgentClient()
	if err != nil {
		return err
	}
	images, err := client.ListImages(context.Background())
	if err != nil {
		return err
	}

	if jsonOut || !ui.StdoutIsTerminal() {
		return json.NewEncoder(os.Stdout).Encode(images)
	}

	if len(images) == 0 {
		fmt.Println("No images pulled.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, ui.Bold("IMAGE")+"\t"+ui.Bold("CONTAINER"))
	for _, img := range images {
		fmt.Fprintf(w, "%s\t%s\n", img.Ref, img.ContainerID)
	}
	return w.Flush()
}
