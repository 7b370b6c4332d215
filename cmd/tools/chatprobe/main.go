// chatprobe 手动联调工具：扮演访客或客服连接聊天后端。
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/medlink/backend/pkg/chatclient"
)

var (
	serverURL string
	logLevel  string
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "chatprobe",
		Short: "Talk to the live support chat backend from a terminal",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				level = zerolog.WarnLevel
			}
			zerolog.SetGlobalLevel(level)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		},
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("CHATPROBE_SERVER", "ws://localhost:8080"), "backend websocket base url")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")

	root.AddCommand(newVisitorCmd(), newStaffCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVisitorCmd() *cobra.Command {
	var (
		sessionFile string
		userID      string
	)
	cmd := &cobra.Command{
		Use:   "visitor",
		Short: "Act as a visitor widget; type text to chat, /human to escalate",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var sessions chatclient.SessionStore = &chatclient.MemorySessionStore{}
			if sessionFile != "" {
				sessions = chatclient.FileSessionStore{Path: sessionFile}
			}
			v, err := chatclient.NewVisitor(chatclient.VisitorOptions{
				Options:  chatclient.Options{URL: endpoint("/api/chat/ws", nil)},
				UserID:   userID,
				Sessions: sessions,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s\n", v.SessionID())

			go printEvents(ctx, cmd.OutOrStdout(), v.Events())
			go func() { _ = v.Run(ctx) }()

			return readLines(ctx, cmd.InOrStdin(), func(line string) error {
				if line == "/human" {
					return v.RequestHuman()
				}
				return v.Send(line)
			})
		},
	}
	cmd.Flags().StringVar(&sessionFile, "session-file", "", "persist the session id in this file")
	cmd.Flags().StringVar(&userID, "user", "", "authenticated user id")
	return cmd
}

func newStaffCmd() *cobra.Command {
	var (
		staffID   string
		staffName string
		token     string
	)
	cmd := &cobra.Command{
		Use:   "staff",
		Short: "Act as a staff inbox; commands: list, open <id>, reply <id> <text>, resolve <id>",
		RunE: func(cmd *cobra.Command, args []string) error {
			if staffID == "" {
				return errors.New("--id is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			q := url.Values{"staffId": {staffID}}
			if staffName != "" {
				q.Set("staffName", staffName)
			}
			if token != "" {
				q.Set("token", token)
			}
			inbox := chatclient.NewStaffInbox(chatclient.Options{URL: endpoint("/api/staff/ws", q)})

			out := cmd.OutOrStdout()
			go printEvents(ctx, out, inbox.Events())
			go func() {
				if err := inbox.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("staff connection stopped")
				}
			}()

			return readLines(ctx, cmd.InOrStdin(), func(line string) error {
				verb, rest, _ := strings.Cut(line, " ")
				switch verb {
				case "list":
					for _, item := range inbox.Items() {
						fmt.Fprintf(out, "%s  %-16s online=%-5v unread=%d staff=%s\n",
							item.SessionID, item.State, item.Online, item.Unread, item.AssignedStaffID)
					}
					return nil
				case "open":
					return inbox.Open(strings.TrimSpace(rest))
				case "reply":
					id, text, ok := strings.Cut(strings.TrimSpace(rest), " ")
					if !ok {
						return errors.New("usage: reply <sessionId> <text>")
					}
					return inbox.Reply(id, text)
				case "resolve":
					return inbox.Resolve(strings.TrimSpace(rest))
				default:
					return errors.Errorf("unknown command %q", verb)
				}
			})
		},
	}
	cmd.Flags().StringVar(&staffID, "id", "", "staff id")
	cmd.Flags().StringVar(&staffName, "name", "", "display name shown to visitors")
	cmd.Flags().StringVar(&token, "token", os.Getenv("STAFF_TOKEN"), "shared staff token")
	return cmd
}

func endpoint(path string, q url.Values) string {
	u := strings.TrimRight(serverURL, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func readLines(ctx context.Context, in io.Reader, fn func(string) error) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := fn(line); err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
			}
		}
	}
}

func printEvents(ctx context.Context, out io.Writer, events <-chan chatclient.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			var data any
			_ = json.Unmarshal(ev.Data, &data)
			pretty, _ := json.Marshal(data)
			fmt.Fprintf(out, "< %s %s\n", ev.Type, pretty)
		}
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
