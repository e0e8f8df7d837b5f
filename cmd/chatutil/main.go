package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"kawan-hiking/backend/internal/service"
	"kawan-hiking/backend/pkg/config"
	"kawan-hiking/backend/pkg/di"
	"kawan-hiking/backend/pkg/jwt"
	"kawan-hiking/backend/pkg/logger"
	"kawan-hiking/backend/pkg/secrets"
	wire "kawan-hiking/backend/pkg/ws"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func main() {
	cleanupPtr := flag.Bool("cleanup", false, "Delete chat messages past the retention period and exit")
	tokenPtr := flag.Bool("token", false, "Print a signed token for local testing")
	listenPtr := flag.Bool("listen", false, "Connect to the chat socket and print every event")
	helpPtr := flag.Bool("help", false, "Show usage information")

	userID := flag.Uint("id", 1, "User id for -token")
	username := flag.String("user", "dev", "Username for -token")
	role := flag.String("role", "user", "Role for -token (user or admin)")
	wsURL := flag.String("url", "ws://localhost:3000/ws/chat", "Chat socket URL for -listen")
	authToken := flag.String("auth", "", "Token for -listen; minted from -id/-user/-role when empty")
	send := flag.String("send", "", "Message to send once connected with -listen")

	flag.Parse()

	if *helpPtr || (!*cleanupPtr && !*tokenPtr && !*listenPtr) {
		fmt.Println("Chat Tools Usage:")
		fmt.Println("  -cleanup      Run one retention sweep against the configured database")
		fmt.Println("  -token        Mint a token (-id, -user, -role)")
		fmt.Println("  -listen       Print chat events from -url (-auth, -send)")
		fmt.Println("  -help         Show this help message")
		os.Exit(0)
	}

	cfg := config.New()
	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = false
	log := logger.New(logConfig)
	logger.SetGlobal(log)

	if *cleanupPtr {
		if err := runCleanup(cfg, log); err != nil {
			log.LogError(err, "Cleanup failed")
			os.Exit(1)
		}
	}

	if *tokenPtr {
		token, err := mintToken(cfg, log, *userID, *username, *role)
		if err != nil {
			log.LogError(err, "Failed to mint token")
			os.Exit(1)
		}
		fmt.Println(token)
	}

	if *listenPtr {
		token := *authToken
		if token == "" {
			var err error
			token, err = mintToken(cfg, log, *userID, *username, *role)
			if err != nil {
				log.LogError(err, "Failed to mint token")
				os.Exit(1)
			}
		}
		if err := runListener(*wsURL, token, *send); err != nil {
			log.LogError(err, "Listener stopped")
			os.Exit(1)
		}
	}
}

// runCleanup performs one retention sweep and exits
func runCleanup(cfg *config.Config, log *logger.Logger) error {
	cfg.Observability.Metrics = false

	db, err := config.NewDB()
	if err != nil {
		return err
	}
	container, err := di.New(cfg, db, log)
	if err != nil {
		return err
	}
	defer func() { _ = container.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := container.Retention.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d chat messages older than %s\n", n, cfg.Chat.Retention)
	return nil
}

func mintToken(cfg *config.Config, log *logger.Logger, id uint, username, role string) (string, error) {
	r := jwt.Role(role)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}

	manager, err := secrets.NewVaultManager(secrets.ConfigFromApp(cfg), log)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	secret := manager.GetSecretWithDefault(ctx, "jwt_secret", cfg.JWT.Secret)

	return jwt.NewService(secret, cfg.JWT.Issuer, cfg.JWT.Expiry).GenerateToken(id, username, r)
}

// runListener prints events until interrupted
func runListener(rawURL, token, send string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", rawURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", rawURL, err)
	}
	defer conn.Close()
	fmt.Printf("Connected to %s\n", rawURL)

	if send != "" {
		data, _ := json.Marshal(wire.SendData{Message: send})
		frame := wire.Frame{Type: wire.TypeSend, Ack: uuid.NewString(), Data: data}
		if err := conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		for {
			var frame wire.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				done <- err
				return
			}
			printFrame(frame)
		}
	}()

	select {
	case err := <-done:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		return err
	case <-interrupt:
		fmt.Println("Closing connection...")
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
}

func printFrame(frame wire.Frame) {
	ts := time.Now().Format("15:04:05")
	switch frame.Type {
	case service.EventHistory:
		var msgs []map[string]any
		if err := json.Unmarshal(frame.Data, &msgs); err == nil {
			fmt.Printf("[%s] history: %d messages\n", ts, len(msgs))
			for _, m := range msgs {
				fmt.Printf("    #%v %v (%v): %v\n", m["id"], m["username"], m["role"], m["message"])
			}
			return
		}
	case wire.TypeAck:
		fmt.Printf("[%s] ack %s: %s\n", ts, frame.Ack, strings.TrimSpace(string(frame.Data)))
		return
	}
	fmt.Printf("[%s] %s %s\n", ts, frame.Type, strings.TrimSpace(string(frame.Data)))
}
