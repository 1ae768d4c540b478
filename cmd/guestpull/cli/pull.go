package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/majorcontext/guestpull/internal/agent"
	"github.com/majorcontext/guestpull/internal/image"
)

var pullCmd = &cobra.Command{
	Use:   "pull IMAGE",
	Short: "Ask the running agent to pull an image",
	Long: `Ask the running agent to pull IMAGE into a container bundle.

Without --container-id the bundle is named after the image. --creds takes
either USER:PASS or a secret reference such as awssm://us-east-1/registry-creds.`,
	Args: cobra.ExactArgs(1),
	RunE: runPull,
}

var (
	pullContainerID string
	pullCreds       string
)

func init() {
	rootCmd.AddCommand(pullCmd)
	pullCmd.Flags().StringVar(&pullContainerID, "container-id", "", "Bundle directory name")
	pullCmd.Flags().StringVar(&pullCreds, "creds", "", "Registry credentials (USER:PASS or secret reference)")
}

func runPull(cmd *cobra.Command, args []string) error {
	client, err := newAgentClient()
	if err != nil {
		return err
	}

	resp, err := client.PullImage(context.Background(), image.Request{
		Image:       args[0],
		ContainerID: pullContainerID,
		SourceCreds: pullCreds,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(resp)
	}
	fmt.Println(resp.ImageRef)
	return nil
}

func newAgentClient() (*agent.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return agent.NewClient(cfg.Server.SocketPath)
}
