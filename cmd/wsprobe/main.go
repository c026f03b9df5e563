// wsprobe is a development harness for the gateway: it opens an
// authenticated WebSocket session and turns stdin lines into client
// events, printing everything the gateway pushes back. Two terminals and
// a matchmaker stub are enough to drive a full room by hand.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type probeConfig struct {
	GatewayURL string
	UserID     string
	Token      string
	RoomID     string
	Name       string
}

func main() {
	cfg := probeConfig{}
	flag.StringVar(&cfg.GatewayURL, "url", "ws://localhost:8080/ws", "Gateway WebSocket URL")
	flag.StringVar(&cfg.UserID, "user", "", "User id (required)")
	flag.StringVar(&cfg.Token, "token", "", "Access token for the auth handshake")
	flag.StringVar(&cfg.RoomID, "room", "", "Room id for room-scoped commands")
	flag.StringVar(&cfg.Name, "name", "", "Display name for chat (defaults to user id)")
	flag.Parse()

	if cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "wsprobe: -user is required")
		os.Exit(1)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.UserID
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "wsprobe: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg probeConfig) error {
	u, err := url.Parse(cfg.GatewayURL)
	if err != nil {
		return fmt.Errorf("invalid gateway URL: %w", err)
	}
	q := u.Query()
	q.Set("userId", cfg.UserID)
	if cfg.Token != "" {
		q.Set("access_token", cfg.Token)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("handshake rejected with %s: %w", resp.Status, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()
	fmt.Printf("connected as %s\n", cfg.UserID)

	done := make(chan struct{})
	go readLoop(conn, done)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-done:
			return nil
		case <-sigCh:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			event, err := buildEvent(cfg, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
				continue
			}
			if event == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, event); err != nil {
				return fmt.Errorf("write failed: %w", err)
			}
		}
	}
}

func readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			fmt.Printf("connection closed: %v\n", err)
			return
		}
		var pretty map[string]any
		if json.Unmarshal(message, &pretty) == nil {
			out, _ := json.Marshal(pretty)
			fmt.Printf("< %s\n", out)
		} else {
			fmt.Printf("< %s\n", message)
		}
	}
}

// buildEvent turns a command line into a gateway event. Lines starting
// with "{" pass through as raw JSON for probing edge cases.
func buildEvent(cfg probeConfig, line string) ([]byte, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	if strings.HasPrefix(line, "{") {
		return []byte(line), nil
	}

	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "help":
		fmt.Println("commands: match <difficulty> | lang <language> | code <text> | draw <json> | undo | redo | clear | chat <text> | leave | raw {json}")
		return nil, nil
	case "match":
		return marshalEvent("findMatch", map[string]any{"userId": cfg.UserID, "difficulty": rest})
	case "lang":
		return marshalEvent("sendLanguage", map[string]any{"roomId": cfg.RoomID, "language": rest})
	case "code":
		return marshalEvent("sendCurrentCode", map[string]any{"roomId": cfg.RoomID, "code": rest})
	case "draw":
		if rest == "" {
			rest = `{"points":[[0,0],[10,10]]}`
		}
		return marshalEvent("sendDrawing", map[string]any{"roomId": cfg.RoomID, "strokeData": json.RawMessage(rest)})
	case "undo":
		return marshalEvent("sendUndoDrawing", map[string]any{"roomId": cfg.RoomID})
	case "redo":
		return marshalEvent("sendRedoDrawing", map[string]any{"roomId": cfg.RoomID})
	case "clear":
		return marshalEvent("sendClearDrawing", map[string]any{"roomId": cfg.RoomID})
	case "chat":
		return marshalEvent("sendMessage", map[string]any{
			"roomId":    cfg.RoomID,
			"messageId": uuid.New().String(),
			"name":      cfg.Name,
			"message":   rest,
			"time":      time.Now().Format(time.RFC3339),
		})
	case "leave":
		return marshalEvent("sendLeaveRoom", map[string]any{"roomId": cfg.RoomID})
	default:
		return nil, fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func marshalEvent(event string, fields map[string]any) ([]byte, error) {
	fields["event"] = event
	return json.Marshal(fields)
}
