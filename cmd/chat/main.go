package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/carelink/internal/bootstrap"
	"github.com/zhouzirui/carelink/internal/config"
	"github.com/zhouzirui/carelink/internal/logger"
	"github.com/zhouzirui/carelink/internal/model/chat"
	"github.com/zhouzirui/carelink/internal/service/auth"
	"github.com/zhouzirui/carelink/internal/ui/terminal"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logger.L.Debug("no .env file loaded, using system environment only", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("failed to load configuration: %v", err)
	}
	logger.Setup(os.Stderr, cfg.Log.Format, cfg.Log.Level)

	partnerID := flag.String("partner", "", "chat partner user id")
	partnerName := flag.String("partner-name", "", "chat partner display name")
	partnerRole := flag.String("partner-role", string(chat.RoleDoctor), "chat partner role")
	appointmentID := flag.String("appointment", "", "appointment id the chat belongs to")
	scheduled := flag.String("at", "", "appointment time, RFC3339 or \"2006-01-02 15:04\"")
	login := flag.Bool("login", false, "persist USER_ID/AUTH_TOKEN to AUTH_FILE and exit")
	logout := flag.Bool("logout", false, "forget the stored identity and exit")
	flag.Parse()

	store, err := bootstrap.AuthStore(cfg.Auth)
	if err != nil {
		fatal("%v", err)
	}

	switch {
	case *logout:
		if err := store.Clear(); err != nil {
			fatal("sign out failed: %v", err)
		}
		fmt.Println("Signed out.")
		return
	case *login:
		id, ok := store.Current()
		if !ok {
			fatal("set USER_ID and AUTH_TOKEN to sign in")
		}
		fmt.Printf("Signed in as %s.\n", id.User.Name())
		return
	}

	sc, err := sessionContext(store, *partnerID, *partnerName, chat.Role(*partnerRole), *appointmentID, *scheduled)
	if err != nil {
		fatal("%v", err)
	}

	chatSvc, err := bootstrap.ChatService(cfg)
	if err != nil {
		fatal("%v", err)
	}
	defer chatSvc.CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := chatSvc.NewSession(sc)
	ui := terminal.New(session, sc.Self, os.Stdin, os.Stdout)

	fmt.Printf("Chat with %s\n", sc.Partner.Name())
	// a missing piece of context is reported in the log; the UI still shows it
	if err := session.Open(ctx); err != nil {
		logger.L.Warn("chat not started", "error", err)
	}

	if err := ui.Run(ctx); err != nil {
		fatal("input error: %v", err)
	}
}

func sessionContext(store auth.Store, partnerID, partnerName string, partnerRole chat.Role, appointmentID, scheduled string) (chat.SessionContext, error) {
	sc := chat.SessionContext{
		Partner: chat.Participant{
			ID:          strings.TrimSpace(partnerID),
			DisplayName: strings.TrimSpace(partnerName),
			Role:        partnerRole,
		},
	}
	if id, ok := store.Current(); ok {
		sc.Self = id.User
		sc.Token = id.Token
	}

	if appointmentID = strings.TrimSpace(appointmentID); appointmentID != "" {
		appt := &chat.Appointment{ID: appointmentID}
		if scheduled != "" {
			at, err := parseTime(scheduled)
			if err != nil {
				return chat.SessionContext{}, err
			}
			appt.ScheduledAt = at
		}
		sc.Appointment = appt
	}
	return sc, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", raw, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -at value %q: want RFC3339 or \"2006-01-02 15:04\"", raw)
	}
	return t, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
