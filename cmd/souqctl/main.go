package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/souq/internal/chat"
	"github.com/matheus3301/souq/internal/instance"
	"github.com/matheus3301/souq/internal/tui/client"
)

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	instanceName := instance.Resolve(*instanceFlag)
	if err := instance.ValidateName(instanceName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := instance.SocketPath(instanceName)
	c, err := client.New(socketPath, instance.ListenAddr())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for instance %q: %v\n", instanceName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		cmdWatch(ctx, c, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, instanceName, *jsonFlag)
	case "users":
		role := ""
		if len(args) >= 2 {
			role = args[1]
		}
		cmdUsers(ctx, c, role, *jsonFlag)
	case "inbox":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: souqctl inbox <operatorId>")
			os.Exit(1)
		}
		cmdInbox(ctx, c, mustID(args[1]), *jsonFlag)
	case "history":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: souqctl history <userId>")
			os.Exit(1)
		}
		cmdHistory(ctx, c, mustID(args[1]), *jsonFlag)
	case "send":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: souqctl send <senderId> <receiverId|role> <message>")
			os.Exit(1)
		}
		cmdSend(ctx, c, args[1], args[2], strings.Join(args[3:], " "), *jsonFlag)
	case "notifications":
		var userID int64
		if len(args) >= 2 {
			userID = mustID(args[1])
		}
		cmdNotifications(ctx, c, userID, *jsonFlag)
	case "broadcast":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: souqctl broadcast <message>")
			os.Exit(1)
		}
		cmdBroadcast(ctx, c, strings.Join(args[1:], " "), *jsonFlag)
	case "stats":
		cmdStats(ctx, c, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: souqctl [--instance <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                           Show daemon health")
	fmt.Fprintln(os.Stderr, "  users [role]                     List users")
	fmt.Fprintln(os.Stderr, "  inbox <operatorId>               Show the operator inbox")
	fmt.Fprintln(os.Stderr, "  history <userId>                 Show a user's messages")
	fmt.Fprintln(os.Stderr, "  send <senderId> <to|role> <msg>  Send a message; \"role\" addresses operators")
	fmt.Fprintln(os.Stderr, "  notifications [userId]           Show the notification log")
	fmt.Fprintln(os.Stderr, "  broadcast <message>              Push a notification to every user")
	fmt.Fprintln(os.Stderr, "  stats                            Show live daemon counters")
	fmt.Fprintln(os.Stderr, "  watch                            Follow daemon activity until interrupted")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func mustID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fail(fmt.Errorf("invalid id %q", s))
	}
	return id
}

func cmdStatus(ctx context.Context, c *client.Client, instanceName string, jsonOut bool) {
	st, err := c.Status(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(map[string]string{
			"instance": instanceName,
			"health":   st.String(),
			"gateway":  c.BaseURL(),
		})
		return
	}
	fmt.Printf("Instance: %s\n", instanceName)
	fmt.Printf("Health:   %s\n", st)
	fmt.Printf("Gateway:  %s\n", c.BaseURL())
}

func cmdUsers(ctx context.Context, c *client.Client, role string, jsonOut bool) {
	users, err := c.Users(ctx, role)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(users)
		return
	}
	if len(users) == 0 {
		fmt.Println("No users found.")
		return
	}
	for _, u := range users {
		fmt.Printf("%-6d %-24s %-10s %s\n", u.ID, u.Name, u.Role, u.Phone)
	}
}

func cmdInbox(ctx context.Context, c *client.Client, operatorID int64, jsonOut bool) {
	entries, err := c.Inbox(ctx, operatorID)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("Inbox is empty.")
		return
	}
	for _, e := range entries {
		fmt.Printf("%-6d %-24s %s  %s\n", e.User.ID, e.User.Name,
			e.LastMessage.CreatedAt.Local().Format("2006-01-02 15:04"), e.LastMessage.Message)
	}
}

func cmdHistory(ctx context.Context, c *client.Client, userID int64, jsonOut bool) {
	msgs, err := c.Messages(ctx, userID)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		printMessage(m)
	}
}

func cmdSend(ctx context.Context, c *client.Client, sender, to, body string, jsonOut bool) {
	var receiver *int64
	if to != "role" {
		id := mustID(to)
		receiver = &id
	}
	m, err := c.Send(ctx, mustID(sender), receiver, body)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(m)
		return
	}
	printMessage(*m)
}

func cmdNotifications(ctx context.Context, c *client.Client, userID int64, jsonOut bool) {
	page, err := c.Notifications(ctx, userID, "", 1)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(page)
		return
	}
	fmt.Printf("%d notifications (page %d of %d)\n", page.Total, page.Page, page.TotalPages)
	for _, n := range page.Logs {
		target := n.TargetType
		if n.TargetValue != "" {
			target += ":" + n.TargetValue
		}
		fmt.Printf("%-6d %-8s %-14s %s: %s\n", n.ID, n.Status, target, n.Title, n.Message)
	}
}

func cmdBroadcast(ctx context.Context, c *client.Client, body string, jsonOut bool) {
	out, err := c.Broadcast(ctx, "", body)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	if !out.Success {
		fmt.Printf("Not delivered: %s\n", out.Reason)
		return
	}
	fmt.Printf("Queued for %d users.\n", out.Queued)
}

func cmdStats(ctx context.Context, c *client.Client, jsonOut bool) {
	st, err := c.Stats(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Since:         %s\n", st.Since.Local().Format(time.DateTime))
	fmt.Printf("Connections:   %d\n", st.Connections)
	fmt.Printf("Messages:      %d\n", st.Messages)
	fmt.Printf("Notifications: %d queued, %d sent, %d failed\n",
		st.NotificationsQueued, st.NotificationsSent, st.NotificationsFailed)
}

func cmdWatch(ctx context.Context, c *client.Client, jsonOut bool) {
	events, err := c.Watch(ctx)
	if err != nil {
		fail(err)
	}
	for evt := range events {
		if jsonOut {
			outputJSON(evt)
			continue
		}
		who := ""
		if evt.UserID != 0 {
			who = fmt.Sprintf("user %d ", evt.UserID)
		}
		fmt.Printf("%s %-24s %s%s\n", evt.At.Local().Format("15:04:05"), evt.Kind, who, evt.Detail)
	}
	if ctx.Err() == nil {
		fail(fmt.Errorf("event stream closed by daemon"))
	}
}

func printMessage(m chat.MessagePayload) {
	to := "operators"
	if m.Receiver != nil {
		to = m.Receiver.Name
	}
	fmt.Printf("[%s] %s -> %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.Sender.Name, to, m.Message)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
