package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/auth"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/client"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/utils"
)

func main() {
	_ = godotenv.Load()

	url := pflag.String("url", "ws://localhost:8086/v1/ws", "gateway websocket url")
	token := pflag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token")
	secret := pflag.String("dev-secret", os.Getenv("CHAT_JWT_HS_SECRET"), "sign a dev token with this HS256 secret when --token is empty")
	user := pflag.StringP("user", "u", "", "user id for the dev token")
	room := pflag.StringP("room", "r", "general", "room to join")
	pageSize := pflag.Int("page-size", 50, "history page fetched on every connect")
	attempts := pflag.Uint64("max-attempts", 10, "redials before giving up (0 = forever)")
	probe := pflag.Duration("probe", 5*time.Second, "liveness probe interval")
	silence := pflag.Duration("read-timeout", 60*time.Second, "drop the link after this long without a frame or ping")
	verbose := pflag.BoolP("verbose", "v", false, "debug logging")
	pflag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger, err := utils.NewLogger(true, level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *token == "" {
		if *secret == "" || *user == "" {
			logger.Fatal("either --token or --dev-secret with --user is required")
		}
		*token, err = auth.GenerateHS256(*secret, *user, 24*time.Hour)
		if err != nil {
			logger.Fatal("sign dev token", zap.Error(err))
		}
	}

	ctrl := client.New(&client.WSDialer{URL: *url, Token: *token, ReadTimeout: *silence}, client.Options{
		RoomID:        *room,
		PageSize:      *pageSize,
		MaxAttempts:   *attempts,
		ProbeInterval: *probe,
		OnState:       func(s client.State) { fmt.Printf("\r[%s]\n> ", s) },
		OnEvent:       printEvent,
	}, logger.Sugar())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go ctrl.Run(ctx)
	ctrl.Start()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Println("commands: /room <id>, /edit <id> <text>, /delete <id>, /read <id>, /history, /reconnect, /quit")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := runCommand(ctx, ctrl, strings.TrimSpace(line)); quit {
				return
			}
			fmt.Print("> ")
		}
	}
}

func runCommand(ctx context.Context, ctrl *client.Controller, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := ctrl.Send(ctx, line); err != nil {
			fmt.Println("[ERROR]", err)
		}
		return false
	}
	parts := strings.SplitN(line, " ", 3)
	var err error
	switch parts[0] {
	case "/quit":
		return true
	case "/reconnect":
		ctrl.ForceReconnect()
	case "/history":
		for _, m := range ctrl.View().Messages() {
			printMessage("", m)
		}
	case "/room":
		if len(parts) < 2 {
			err = fmt.Errorf("usage: /room <id>")
			break
		}
		ctrl.SwitchRoom(parts[1])
	case "/edit":
		if len(parts) < 3 {
			err = fmt.Errorf("usage: /edit <id> <text>")
			break
		}
		err = ctrl.Do(ctx, domain.EventEditMessage, domain.EditMessagePayload{MessageID: parts[1], NewMessage: parts[2]})
	case "/delete", "/read":
		if len(parts) < 2 {
			err = fmt.Errorf("usage: %s <id>", parts[0])
			break
		}
		typ := domain.EventDeleteMessage
		if parts[0] == "/read" {
			typ = domain.EventMarkRead
		}
		err = ctrl.Do(ctx, typ, domain.MessageIDPayload{MessageID: parts[1]})
	default:
		err = fmt.Errorf("unknown command %s", parts[0])
	}
	if err != nil {
		fmt.Println("[ERROR]", err)
	}
	return false
}

func printEvent(env domain.Envelope) {
	switch env.Type {
	case domain.EventMessage, domain.EventMessageEdited, domain.EventMessageDeleted, domain.EventMessageRead:
		var m domain.Message
		if env.Decode(&m) == nil {
			printMessage(env.Type, &m)
		}
	case domain.EventMessages:
		var p domain.MessagesPayload
		if env.Decode(&p) == nil {
			fmt.Printf("\r[history %s: %d messages]\n> ", p.RoomID, len(p.Messages))
		}
	case domain.EventMemberJoined, domain.EventMemberLeft:
		var p domain.MembershipPayload
		if env.Decode(&p) == nil {
			fmt.Printf("\r[%s %s %s]\n> ", p.RoomID, p.UserID, env.Type)
		}
	case domain.EventError, domain.EventAuthError:
		var p domain.ErrorPayload
		if env.Decode(&p) == nil {
			fmt.Printf("\r[ERROR %s] %s\n> ", p.Code, p.Message)
		}
	}
}

func printMessage(tag string, m *domain.Message) {
	if tag != "" && tag != domain.EventMessage {
		tag = " (" + strings.TrimPrefix(tag, "message") + ")"
	} else {
		tag = ""
	}
	fmt.Printf("\r[%s] %s %s: %s%s\n> ", m.Timestamp.Local().Format("15:04:05"), m.ID[:min(8, len(m.ID))], m.SenderID, m.Body, tag)
}
