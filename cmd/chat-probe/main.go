// Command chat-probe is a terminal chat client for exercising a running
// bridge: it connects to the relay endpoint like a browser tab would and
// prints the conversation as it unfolds.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cashflowdash/chatbridge/internal/chatclient"
	"github.com/cashflowdash/chatbridge/internal/relay"
	"github.com/cashflowdash/chatbridge/internal/slogging"
)

func main() {
	relayURL := flag.String("url", "ws://localhost:3001/api/chat", "relay chat endpoint")
	userID := flag.String("user", "default", "user identifier")
	password := flag.String("password", "", "relay password")
	statePath := flag.String("state", "", "conversation state file (optional)")
	flag.Parse()

	if err := slogging.Initialize(slogging.Config{
		Level: slogging.LogLevelWarn,
		IsDev: true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logging init failed: %v\n", err)
		os.Exit(1)
	}

	client, err := chatclient.New(chatclient.Options{
		RelayURL:  *relayURL,
		UserID:    *userID,
		Password:  *password,
		StatePath: *statePath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "client setup failed: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()
	client.SetExpanded(true)

	if err := client.Connect(); err != nil {
		if errors.Is(err, chatclient.ErrCredentialRequired) {
			fmt.Fprintln(os.Stderr, "a relay password is required (-password)")
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "connect failed, retrying in background: %v\n", err)
	}

	fmt.Printf("session %s — type a message, /quit to exit\n", client.SessionID())

	// Poll the transcript; good enough for a probe tool.
	go func() {
		printed := 0
		for {
			msgs := client.Messages()
			for ; printed < len(msgs); printed++ {
				m := msgs[printed]
				if m.Sender == relay.SenderUser {
					continue
				}
				fmt.Printf("[%s] %s\n", m.Sender, m.Content)
			}
			time.Sleep(200 * time.Millisecond)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			return
		case "/clear":
			client.ClearConversation()
			fmt.Println("conversation cleared")
			continue
		}
		if err := client.SendMessage(line); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
	}
}
