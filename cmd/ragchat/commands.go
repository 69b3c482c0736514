package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ragkit/ragchat/internal/chat"
	"github.com/ragkit/ragchat/internal/export"
	"github.com/ragkit/ragchat/internal/models"
	"github.com/ragkit/ragchat/internal/services"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func promptPassword(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("error reading password: %w", err)
	}
	return string(password), nil
}

func loginCmd(a **app) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store the access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}

			cred, err := (*a).client.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}

			if err := (*a).store.SaveCredential(cred); err != nil {
				return err
			}
			fmt.Println("Logged in.")
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func registerCmd(a **app) *cobra.Command {
	var email, name string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a new account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}

			if err := (*a).client.Register(cmd.Context(), email, password, name); err != nil {
				return err
			}
			fmt.Println("Account created, now run `ragchat login`.")
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func verifyCodeCmd(a **app) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "verify-code",
		Short: "Request an email verification code",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := (*a).client.SendVerifyCode(cmd.Context(), email); err != nil {
				return err
			}
			fmt.Println("Verification code sent.")
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func logoutCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Discard the stored access token",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := (*a).store.ClearCredential(); err != nil {
				return err
			}
			fmt.Println("Logged out.")
			return nil
		},
	}
}

func sessionCmd(a **app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage chat sessions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := (*a).requireAuth(); err != nil {
				return err
			}

			sessions, err := (*a).sessionManager().List(cmd.Context())
			if err != nil {
				return (*a).handleAuthExpired(err)
			}

			for _, s := range sessions {
				fmt.Printf("%d\t%s\t%s\n", s.ID, s.ActiveAt.Format("2006-01-02 15:04"), s.DisplayTitle())
			}
			return nil
		},
	}

	create := &cobra.Command{
		Use:   "new",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := (*a).requireAuth(); err != nil {
				return err
			}

			session, err := (*a).sessionManager().Create(cmd.Context())
			if err != nil {
				return (*a).handleAuthExpired(err)
			}
			fmt.Printf("Created session %d\n", session.ID)
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*a).requireAuth(); err != nil {
				return err
			}

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid session id: %s", args[0])
			}

			if err := (*a).sessionManager().Delete(cmd.Context(), id); err != nil {
				return (*a).handleAuthExpired(err)
			}
			fmt.Printf("Deleted session %d\n", id)
			return nil
		},
	}

	rename := &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*a).requireAuth(); err != nil {
				return err
			}

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid session id: %s", args[0])
			}

			if err := (*a).sessionManager().Rename(cmd.Context(), id, args[1]); err != nil {
				return (*a).handleAuthExpired(err)
			}
			return nil
		},
	}

	cmd.AddCommand(list, create, remove, rename)
	return cmd
}

func chatCmd(a **app) *cobra.Command {
	var sessionID int64

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive chat",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := (*a).requireAuth(); err != nil {
				return err
			}
			ctx := cmd.Context()

			manager := (*a).sessionManager()
			if sessionID == 0 {
				session, err := manager.Ensure(ctx)
				if err != nil {
					return (*a).handleAuthExpired(err)
				}
				sessionID = session.ID
			}

			controller := chat.NewController((*a).client, manager.Touch, (*a).logger)
			scope := (*a).cred.Fingerprint()
			if err := controller.LoadMessages(ctx, sessionID, 1, (*a).cfg.PageSize); err != nil {
				// Show the cached transcript when the backend is
				// unreachable, so history is still readable offline.
				if cached, cacheErr := (*a).store.Messages(scope, sessionID); cacheErr == nil && cached != nil {
					fmt.Println("(offline: showing cached history)")
					for _, msg := range cached {
						printMessage(msg)
					}
				}
				return (*a).handleAuthExpired(err)
			}
			(*a).cacheMessages(scope, sessionID, controller.Messages())

			for _, msg := range controller.Messages() {
				printMessage(msg)
			}

			fmt.Printf("Session %d. Type a message, or /quit to leave.\n", sessionID)
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					break
				}
				line := scanner.Text()
				if strings.TrimSpace(line) == "/quit" {
					break
				}

				if err := streamSend(ctx, controller, line); err != nil {
					if errors.Is(err, services.ErrAuthExpired) {
						return (*a).handleAuthExpired(err)
					}
					if !errors.Is(err, context.Canceled) {
						fmt.Fprintln(os.Stderr, "Error:", err)
					}
				}
				(*a).cacheMessages(scope, sessionID, controller.Messages())
				if ctx.Err() != nil {
					break
				}
			}
			return scanner.Err()
		},
	}

	cmd.Flags().Int64Var(&sessionID, "session", 0, "session id (defaults to the most recent session)")
	return cmd
}

func printMessage(msg models.Message) {
	prefix := "you"
	if msg.Sender == models.SenderAssistant {
		prefix = "assistant"
	}
	suffix := ""
	if msg.IsError {
		suffix = " [response interrupted]"
	}
	fmt.Printf("%s: %s%s\n", prefix, msg.Text, suffix)
}

// streamSend sends one message and prints the assistant response
// incrementally as fragments arrive.
func streamSend(ctx context.Context, controller *chat.Controller, text string) error {
	printed := 0
	err := controller.SendMessage(ctx, text, func(msg models.Message) {
		if len(msg.Text) > printed {
			fmt.Print(msg.Text[printed:])
			printed = len(msg.Text)
		}
		if !msg.IsStreaming {
			if msg.IsError {
				fmt.Print(" [response interrupted]")
			}
			fmt.Println()
		}
	})
	return err
}

func exportCmd(a **app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session transcript to HTML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*a).requireAuth(); err != nil {
				return err
			}
			ctx := cmd.Context()

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid session id: %s", args[0])
			}

			session := models.Session{ID: id}
			sessions, err := (*a).sessionManager().List(ctx)
			if err != nil {
				return (*a).handleAuthExpired(err)
			}
			for _, s := range sessions {
				if s.ID == id {
					session = s
					break
				}
			}

			messages, _, err := (*a).client.Messages(ctx, id, 1, (*a).cfg.PageSize)
			if err != nil {
				return (*a).handleAuthExpired(err)
			}

			if output == "" {
				output = fmt.Sprintf("session-%d.html", id)
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("error creating output file: %w", err)
			}
			defer f.Close()

			if err := export.WriteHTML(f, session, messages); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (defaults to session-<id>.html)")
	return cmd
}
