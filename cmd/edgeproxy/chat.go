package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"edge-gateway/internal/client"
)

func envOr(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func addClientFlags(cmd *cobra.Command, cfg *client.Config) {
	cmd.Flags().StringVar(&cfg.BaseURL, "url", envOr("EDGE_URL", client.DefaultConfig().BaseURL), "edge proxy base URL (env: EDGE_URL)")
	cmd.Flags().StringVar(&cfg.Token, "token", os.Getenv("EDGE_TOKEN"), "bearer token (env: EDGE_TOKEN)")
}

func newChatCmd() *cobra.Command {
	var (
		cfg       client.Config
		model     string
		maxTokens int
	)
	cmd := &cobra.Command{
		Use:   "chat PROMPT...",
		Short: "Stream a chat completion from the AI service through the proxy",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.NewClient(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			req := client.ChatRequest{Prompt: strings.Join(args, " "), Model: model, MaxTokens: maxTokens}
			err = c.StreamChat(cmd.Context(), req, func(token string) error {
				_, err := fmt.Fprint(out, token)
				return err
			})
			fmt.Fprintln(out)
			return err
		},
	}
	addClientFlags(cmd, &cfg)
	cmd.Flags().StringVar(&model, "model", "gemma-3-4b", "model identifier")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "maximum tokens to generate (0 uses the service default)")
	return cmd
}

func newModelsCmd() *cobra.Command {
	var cfg client.Config
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models offered by the AI service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client.NewClient(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			models, err := c.Models(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range models {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-12s %s\n", m.Value, m.Provider, m.Label)
			}
			return nil
		},
	}
	addClientFlags(cmd, &cfg)
	return cmd
}
