// ABOUTME: Terminal chat client for ragchat-gateway over its HTTP API.
// ABOUTME: Starts as an anonymous visitor, can register or log in, and keeps a session per chat.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
)

// getToken returns the JWT from RAGCHAT_TOKEN or ~/.config/ragchat/token.
func getToken() string {
	if token := os.Getenv("RAGCHAT_TOKEN"); token != "" {
		return token
	}

	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

func tokenPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "token"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "ragchat", "token")
}

// saveToken persists the token so later runs stay logged in.
func saveToken(token string) error {
	path := tokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token+"\n"), 0600)
}

func main() {
	server := flag.String("server", "http://localhost:8000", "Gateway server URL")
	sessionID := flag.String("session", "", "Session ID to resume")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := newClient(*server, getToken())
	if err := c.start(ctx, *sessionID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("ragchat-tui connected to %s\n", *server)
	if c.registered {
		fmt.Printf("Signed in as %s\n", c.email)
	} else {
		fmt.Println("Chatting anonymously (/register or /login to keep your history)")
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	if err := run(ctx, c, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, c *client, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, "> ")

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		quit, err := dispatch(ctx, c, input, out)
		if err != nil {
			fmt.Fprintf(out, "[error] %v\n", err)
		}
		if quit {
			return nil
		}
		fmt.Fprintln(out)
	}
}

// dispatch handles one line of input. It reports whether the user asked to quit.
func dispatch(ctx context.Context, c *client, input string, out io.Writer) (bool, error) {
	if !strings.HasPrefix(input, "/") {
		return false, sendPrompt(ctx, c, input, out)
	}

	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit", "/q":
		return true, nil

	case "/help":
		printHelp(out)

	case "/sessions":
		return false, listSessions(ctx, c, out)

	case "/new":
		if err := c.newSession(ctx); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Started session %s\n", c.sessionID)

	case "/use":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: /use <session_id>")
		}
		c.sessionID = fields[1]
		fmt.Fprintf(out, "Now using %s\n", c.sessionID)

	case "/history":
		return false, showHistory(ctx, c, out)

	case "/login":
		if len(fields) != 3 {
			return false, fmt.Errorf("usage: /login <email> <password>")
		}
		if err := c.login(ctx, fields[1], fields[2]); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Signed in as %s\n", c.email)

	case "/register":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: /register <email> <password> [name]")
		}
		name := strings.Join(fields[3:], " ")
		migrated, err := c.register(ctx, fields[1], fields[2], name)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Registered %s", c.email)
		if migrated > 0 {
			fmt.Fprintf(out, " (%d session(s) kept)", migrated)
		}
		fmt.Fprintln(out)

	case "/logout":
		if err := c.logout(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "Signed out; chatting anonymously")

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
	return false, nil
}

// printHelp displays available commands.
func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  /sessions                List your chat sessions")
	fmt.Fprintln(out, "  /new                     Start a new session")
	fmt.Fprintln(out, "  /use <id>                Switch to an existing session")
	fmt.Fprintln(out, "  /history                 Show messages in the current session")
	fmt.Fprintln(out, "  /register <email> <pw>   Create an account, keeping anonymous chats")
	fmt.Fprintln(out, "  /login <email> <pw>      Sign in")
	fmt.Fprintln(out, "  /logout                  Sign out")
	fmt.Fprintln(out, "  /help                    Show this help")
	fmt.Fprintln(out, "  /quit                    Exit the TUI")
}

func sendPrompt(ctx context.Context, c *client, prompt string, out io.Writer) error {
	resp, err := c.prompt(ctx, prompt)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, stripMarkdown(resp.Answer))
	if len(resp.Context) > 0 {
		fmt.Fprintf(out, "\033[2m[%d source document(s)]\033[0m\n", len(resp.Context))
	}
	return nil
}

func listSessions(ctx context.Context, c *client, out io.Writer) error {
	list, err := c.sessions(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No sessions yet")
		return nil
	}

	fmt.Fprintln(out, "Sessions:")
	for _, s := range list {
		marker := "  "
		if s.SessionID == c.sessionID {
			marker = "* "
		}
		fmt.Fprintf(out, "%s%s  %s (%d messages)\n", marker, s.SessionID, truncate(s.Title, 40), s.MessageCount)
	}
	return nil
}

func showHistory(ctx context.Context, c *client, out io.Writer) error {
	if c.sessionID == "" {
		fmt.Fprintln(out, "No session selected. Use /new or /use <id> first.")
		return nil
	}

	messages, err := c.history(ctx)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		fmt.Fprintln(out, "No conversation history")
		return nil
	}

	fmt.Fprintln(out, strings.Repeat("-", 60))
	for _, m := range messages {
		prefix := "\033[34m→\033[0m " // Blue arrow for user messages
		if m.Type == "ai" {
			prefix = "\033[32m←\033[0m " // Green arrow for answers
		}
		text := stripMarkdown(m.Content)
		if len(text) > 200 {
			text = text[:197] + "..."
		}
		fmt.Fprintf(out, "%s%s\n", prefix, text)
	}
	fmt.Fprintln(out, strings.Repeat("-", 60))
	return nil
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// stripMarkdown removes common markdown formatting from text.
func stripMarkdown(s string) string {
	// Remove bold/italic markers (order matters: ** before *)
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	// Don't remove single * as it's often used for lists
	return s
}
