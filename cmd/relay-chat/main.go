// ABOUTME: Terminal chat client for coven-relay over WebSocket
// ABOUTME: Usage: relay-chat [-url ws://localhost:8080/ws] -id alice -conv CONVERSATION_ID [-agent]
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/hub"
	"github.com/2389/coven-relay/internal/store"
)

func main() {
	endpoint := flag.String("url", "ws://localhost:8080/ws", "relay WebSocket endpoint")
	id := flag.String("id", "", "participant ID (or agent ID with -agent)")
	conv := flag.String("conv", "", "conversation to talk in")
	agent := flag.Bool("agent", false, "connect as an agent and send agent messages")
	flag.Parse()

	if *id == "" || *conv == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*endpoint, *id, *conv, *agent); err != nil {
		log.Fatal(err)
	}
}

func dialURL(endpoint, id string, agent bool) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	q := u.Query()
	if agent {
		q.Set("agent_id", id)
	} else {
		q.Set("participant_id", id)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func run(endpoint, id, conv string, agent bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	target, err := dialURL(endpoint, id, agent)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if err := wsjson.Write(ctx, conn, hub.NewEvent(hub.EventJoin, conv, nil)); err != nil {
		return fmt.Errorf("joining %s: %w", conv, err)
	}

	go readInput(ctx, cancel, conn, conv, agent)

	for {
		var ev hub.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("recv error: %w", err)
		}
		printEvent(&ev)
	}
}

// readInput turns stdin lines into events. Lines starting with / are commands.
func readInput(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, conv string, agent bool) {
	defer cancel()

	msgType := hub.EventUserMessage
	if agent {
		msgType = hub.EventAgentMessage
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev, err := parseLine(line, conv, msgType)
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			color.Yellow("  %v", err)
			continue
		}
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			log.Printf("send error: %v", err)
			return
		}
	}
}

var errQuit = errors.New("quit")

func parseLine(line, conv string, msgType hub.EventType) (*hub.Event, error) {
	if !strings.HasPrefix(line, "/") {
		return hub.NewEvent(msgType, conv, hub.SendPayload{Content: line}), nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return nil, errQuit
	case "/typing":
		return hub.NewEvent(hub.EventTyping, conv, hub.TypingPayload{IsTyping: true}), nil
	case "/idle":
		return hub.NewEvent(hub.EventTyping, conv, hub.TypingPayload{IsTyping: false}), nil
	case "/react":
		if len(fields) != 3 {
			return nil, fmt.Errorf("usage: /react MESSAGE_ID REACTION")
		}
		return hub.NewEvent(hub.EventReaction, conv, hub.ReactionPayload{MessageID: fields[1], Reaction: fields[2]}), nil
	case "/done":
		return hub.NewEvent(hub.EventStatusUpdate, conv, hub.StatusPayload{Status: store.ConversationCompleted}), nil
	case "/code":
		return hub.NewEvent(msgType, conv, hub.SendPayload{
			Content: strings.TrimSpace(strings.TrimPrefix(line, "/code")),
			Type:    store.MessageTypeCode,
		}), nil
	default:
		return nil, fmt.Errorf("unknown command %s (try /typing, /idle, /react, /code, /done, /quit)", fields[0])
	}
}

func printEvent(ev *hub.Event) {
	gray := color.New(color.FgHiBlack)

	switch ev.Type {
	case hub.EventConnected:
		var p hub.ConnectedPayload
		if ev.Decode(&p) == nil {
			color.Green("connected as %s (%s)", p.ParticipantID, p.ConnectionID)
		}
	case hub.EventHistory:
		var p hub.HistoryPayload
		if ev.Decode(&p) == nil {
			gray.Printf("--- %s: %d earlier messages ---\n", ev.ConversationID, len(p.Messages))
			for _, m := range p.Messages {
				printMessage(m)
			}
		}
	case hub.EventUserMessage, hub.EventAgentMessage:
		var m store.Message
		if ev.Decode(&m) == nil {
			printMessage(&m)
		}
	case hub.EventTyping:
		var p hub.TypingPayload
		if ev.Decode(&p) == nil && p.IsTyping {
			gray.Printf("  %s is typing...\n", p.ParticipantID)
		}
	case hub.EventPresence:
		var p hub.PresencePayload
		if ev.Decode(&p) == nil {
			state := "left"
			if p.Online {
				state = "joined"
			}
			gray.Printf("  %s %s\n", p.ParticipantID, state)
		}
	case hub.EventReaction:
		var m store.Message
		if ev.Decode(&m) == nil {
			gray.Printf("  reactions on %s: %v\n", m.ID, m.Reactions)
		}
	case hub.EventStatusUpdate:
		var p hub.StatusPayload
		if ev.Decode(&p) == nil {
			color.Cyan("conversation %s is now %s", ev.ConversationID, p.Status)
		}
	case hub.EventError:
		var p hub.ErrorPayload
		if ev.Decode(&p) == nil {
			color.Red("error [%s]: %s", p.Code, p.Message)
		}
	}
}

func printMessage(m *store.Message) {
	name := color.New(color.FgCyan, color.Bold)
	if m.SenderKind == store.SenderAgent {
		name = color.New(color.FgMagenta, color.Bold)
	}
	fmt.Printf("%s %s %s\n",
		color.HiBlackString(m.CreatedAt.Local().Format(time.Kitchen)),
		name.Sprint(m.SenderID+":"),
		m.Content,
	)
	color.HiBlack("    id %s", m.ID)
}
