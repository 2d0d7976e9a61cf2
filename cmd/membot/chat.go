package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/membot/internal/conversation"
	"github.com/kalambet/membot/internal/engine"
	"github.com/kalambet/membot/internal/turn"
)

// fallbackReply is shown when the model's answer could not be used.
const fallbackReply = "Sorry, I didn't understand that."

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with membot in the terminal",
	Long: `Start an interactive conversation without a server. The profile is kept in
the configured storage, so reusing --conversation picks up where you left off.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("conversation")
		showProfile, _ := cmd.Flags().GetBool("show-profile")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// Info-level turn logs would interleave with the dialogue.
		if strings.EqualFold(cfg.Log.Level, "info") {
			cfg.Log.Level = "warn"
		}
		logger := setupLogging(cfg.Log, os.Stderr)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := engine.EnsureReady(ctx, a.engine, a.model, os.Stderr); err != nil {
			return err
		}

		if id == "" {
			id = uuid.NewString()
		}
		fmt.Fprintf(os.Stderr, "Conversation %s. Type \"exit\" to leave.\n", colorize(colorBold, id))
		return runChat(ctx, a.service, id, os.Stdin, os.Stdout, showProfile)
	},
}

func init() {
	chatCmd.Flags().String("conversation", "", "conversation id to continue (a new one is generated when empty)")
	chatCmd.Flags().Bool("show-profile", true, "print the remembered profile after every turn")
}

type turnHandler interface {
	Handle(ctx context.Context, conversationID, message string) (conversation.Reply, error)
}

// runChat reads one message per line from in until EOF or "exit".
func runChat(ctx context.Context, h turnHandler, id string, in io.Reader, out io.Writer, showProfile bool) error {
	scanner := bufio.NewScanner(in)
	prompt := colorize(colorCyan, "you> ")
	for {
		fmt.Fprint(out, prompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		reply, err := h.Handle(ctx, id, line)
		switch {
		case err == nil:
			fmt.Fprintf(out, "%s %s\n", colorize(colorGreen, "bot>"), reply.Response)
			if showProfile {
				printProfile(out, reply.Profile)
			}
		case errors.Is(err, turn.ErrMalformedResponse):
			fmt.Fprintf(out, "%s %s\n", colorize(colorGreen, "bot>"), fallbackReply)
		case ctx.Err() != nil:
			return nil
		default:
			fmt.Fprintf(out, "%s %v\n", colorize(colorRed, "error:"), err)
		}
	}
}
