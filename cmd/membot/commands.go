package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/membot/internal/api"
	"github.com/kalambet/membot/internal/config"
	"github.com/kalambet/membot/internal/profile"
)

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send one message to a running membot server",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runSend(cmd.Context(), client, os.Stdout, args[0], strings.Join(args[1:], " "))
	},
}

func runSend(ctx context.Context, client *apiClient, w io.Writer, id, message string) error {
	reply, err := client.sendMessage(ctx, id, message)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, reply.Response)
	return nil
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect or reset what membot remembers",
}

var profileShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show the profile of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runProfileShow(cmd.Context(), client, os.Stdout, args[0])
	},
}

var profileResetCmd = &cobra.Command{
	Use:   "reset <conversation-id>",
	Short: "Forget everything about a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.resetConversation(cmd.Context(), args[0]); err != nil {
			return err
		}
		printSuccess("Conversation %s reset", args[0])
		return nil
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recently updated conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runProfileList(cmd.Context(), client, os.Stdout, limit)
	},
}

func runProfileShow(ctx context.Context, client *apiClient, w io.Writer, id string) error {
	p, err := client.getProfile(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s (version %d)\n", colorize(colorBold, p.ConversationID), p.Version)
	printProfile(w, p)
	return nil
}

func runProfileList(ctx context.Context, client *apiClient, w io.Writer, limit int) error {
	profiles, err := client.listConversations(ctx, limit)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		fmt.Fprintln(w, "No conversations yet.")
		return nil
	}
	for _, p := range profiles {
		fmt.Fprintf(w, "%s  v%d  %s  %s\n",
			p.ConversationID, p.Version, p.UpdatedAt.Format(time.RFC3339), summary(p))
	}
	return nil
}

func summary(p profile.Profile) string {
	var parts []string
	if p.Name != "" {
		parts = append(parts, "name="+p.Name)
	}
	if n := len(p.Likes); n > 0 {
		parts = append(parts, fmt.Sprintf("likes=%d", n))
	}
	if n := len(p.Dislikes); n > 0 {
		parts = append(parts, fmt.Sprintf("dislikes=%d", n))
	}
	if len(parts) == 0 {
		return "(empty)"
	}
	return strings.Join(parts, " ")
}

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token <conversation-id|*>",
	Short: "Issue a signed API token for one conversation or all of them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runToken(os.Stdout, cfg.Auth.JWTSecret, args[0], ttl)
	},
}

func runToken(w io.Writer, secret, subject string, ttl time.Duration) error {
	if secret == "" {
		return fmt.Errorf("no signing secret; set MEMBOT_AUTH_JWT_SECRET")
	}
	tok, err := api.IssueToken(secret, subject, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, tok)
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	profileListCmd.Flags().Int("limit", 0, "maximum number of conversations (server default when 0)")
	profileCmd.AddCommand(profileShowCmd, profileResetCmd, profileListCmd)

	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")

	configCmd.AddCommand(configShowCmd, configSetCmd)
}
