// chat-cli is a terminal client for the chat server. It runs either as a
// visitor (one conversation) or as an admin console (session list plus one
// open conversation).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/NiklasHoffmann/livechat/internal/apiclient"
	"github.com/NiklasHoffmann/livechat/internal/client/admin"
	"github.com/NiklasHoffmann/livechat/internal/client/visitor"
	"github.com/NiklasHoffmann/livechat/internal/domain"
)

func main() {
	mode := flag.String("mode", "visitor", "visitor or admin")
	server := flag.String("server", "http://localhost:8080", "chat server base URL")
	name := flag.String("name", "Guest", "visitor display name")
	statePath := flag.String("state", defaultStatePath(), "visitor state file")
	token := flag.String("token", "", "admin token")
	flag.Parse()

	wsURL := strings.Replace(*server, "http", "ws", 1) + "/ws"

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch *mode {
	case "visitor":
		err = runVisitor(ctx, *server, wsURL, *name, *statePath)
	case "admin":
		err = runAdmin(ctx, *server, wsURL, *token)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".livechat-state.json"
	}
	return filepath.Join(home, ".livechat", "state.json")
}

func runVisitor(ctx context.Context, server, wsURL, name, statePath string) error {
	api := apiclient.New(server, "")
	c := visitor.New(api, wsURL, visitor.NewFileStore(statePath), visitor.Handlers{
		OnMessage: func(m domain.Message) {
			fmt.Printf("\r[support] %s\n> ", m.Body)
		},
		OnTyping: func(typing bool) {
			if typing {
				fmt.Print("\r[support is typing...]\n> ")
			}
		},
		OnPresence: func(online bool) {
			state := "offline"
			if online {
				state = "online"
			}
			fmt.Printf("\r[support is %s]\n> ", state)
		},
		OnBlocked: func(blocked bool) {
			if blocked {
				fmt.Print("\r[you have been blocked from sending]\n> ")
			} else {
				fmt.Print("\r[you may send messages again]\n> ")
			}
		},
		OnSessionDeleted: func() {
			fmt.Println("\r[this conversation was closed by support]")
			os.Exit(0)
		},
		OnConnected: func(connected bool) {
			if !connected {
				fmt.Print("\r[connection lost, reconnecting...]\n> ")
			}
		},
	}, zap.NewNop())

	if err := c.Start(ctx, name); err != nil {
		return err
	}
	defer c.Stop()

	fmt.Printf("Connected as %q (session %s)\n", c.DisplayName(), c.SessionID())
	for _, m := range c.Messages() {
		printMessage(m)
	}
	if err := c.MarkRead(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mark read:", err)
	}
	fmt.Println("Type a message, /name <new name>, or /quit.")

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return nil
		case strings.HasPrefix(line, "/name "):
			final, err := c.Rename(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/name ")))
			if err != nil {
				fmt.Println("rename failed:", err)
			} else {
				fmt.Printf("You are now %q\n", final)
			}
		default:
			if !c.Connected() {
				fmt.Println("reconnecting, message not sent")
				break
			}
			c.InputActivity()
			if _, err := c.Send(ctx, line); err != nil {
				fmt.Println("send failed:", err)
			}
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

type bellNotifier struct{}

func (bellNotifier) Notify() { fmt.Print("\a") }

type stdinConfirmer struct {
	scanner *bufio.Scanner
}

func (c *stdinConfirmer) Confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	if !c.scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(c.scanner.Text()))
	return answer == "y" || answer == "yes"
}

func runAdmin(ctx context.Context, server, wsURL, token string) error {
	scanner := bufio.NewScanner(os.Stdin)
	api := apiclient.New(server, token)
	c := admin.New(api, wsURL, token, bellNotifier{}, &stdinConfirmer{scanner: scanner}, admin.Handlers{
		OnMessage: func(m domain.Message) {
			if m.Sender == domain.RoleUser {
				fmt.Printf("\r[visitor] %s\n> ", m.Body)
			}
		},
		OnTyping: func(sessionID string, typing bool) {
			if typing {
				fmt.Print("\r[visitor is typing...]\n> ")
			}
		},
		OnConnected: func(connected bool) {
			if !connected {
				fmt.Print("\r[connection lost, reconnecting...]\n> ")
			}
		},
	}, zap.NewNop())

	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop()

	fmt.Println("Admin console. Commands: /list, /open <n>, /close, /block <n>, /unblock <n>, /delete <n>, /deleteall, /quit.")
	fmt.Println("Anything else is sent to the open conversation.")

	fmt.Print("> ")
	for scanner.Scan() {
		// Any operator input counts as the gesture that unlocks sound.
		c.UnlockAudio()
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return nil
		case line == "/list":
			printSessions(c.Sessions())
		case line == "/close":
			c.CloseSession()
		case line == "/deleteall":
			if err := c.DeleteAll(ctx); err != nil {
				fmt.Println("delete all failed:", err)
			}
		case strings.HasPrefix(line, "/open "):
			if id, ok := pickSession(c.Sessions(), strings.TrimPrefix(line, "/open ")); ok {
				if err := c.Open(ctx, id); err != nil {
					fmt.Println("open failed:", err)
				} else {
					for _, m := range c.Messages() {
						printMessage(m)
					}
				}
			}
		case strings.HasPrefix(line, "/block "):
			if id, ok := pickSession(c.Sessions(), strings.TrimPrefix(line, "/block ")); ok {
				if err := c.Block(ctx, id, true); err != nil {
					fmt.Println("block failed:", err)
				}
			}
		case strings.HasPrefix(line, "/unblock "):
			if id, ok := pickSession(c.Sessions(), strings.TrimPrefix(line, "/unblock ")); ok {
				if err := c.Block(ctx, id, false); err != nil {
					fmt.Println("unblock failed:", err)
				}
			}
		case strings.HasPrefix(line, "/delete "):
			if id, ok := pickSession(c.Sessions(), strings.TrimPrefix(line, "/delete ")); ok {
				if err := c.Delete(ctx, id); err != nil {
					fmt.Println("delete failed:", err)
				}
			}
		default:
			if !c.Connected() {
				fmt.Println("reconnecting, message not sent")
				break
			}
			c.InputActivity()
			if _, err := c.Send(ctx, line); err != nil {
				fmt.Println("send failed:", err)
			}
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

// pickSession resolves a list index or a raw session id.
func pickSession(sessions []domain.Session, arg string) (string, bool) {
	arg = strings.TrimSpace(arg)
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(sessions) {
			fmt.Println("no such session number")
			return "", false
		}
		return sessions[n-1].ID, true
	}
	if arg == "" {
		fmt.Println("session number or id required")
		return "", false
	}
	return arg, true
}

func printSessions(sessions []domain.Session) {
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return
	}
	for i, s := range sessions {
		marker := " "
		if s.Blocked {
			marker = "B"
		}
		last := ""
		if s.LastMessage != nil {
			last = previewBody(s.LastMessage.Body, 40)
		}
		fmt.Printf("%2d. %s %-20s unread=%-3d %s\n", i+1, marker, s.DisplayName, s.UnreadCount, last)
	}
}

// previewBody truncates to max runes, not bytes, so multibyte text is never
// split mid-character.
func previewBody(body string, max int) string {
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	return string(runes[:max]) + "..."
}

func printMessage(m domain.Message) {
	who := "visitor"
	if m.Sender == domain.RoleAdmin {
		who = "support"
	}
	fmt.Printf("[%s] %s\n", who, m.Body)
}
