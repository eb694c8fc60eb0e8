// relaycast-listener attaches to an ongoing conversation as a listener and
// prints every event the relay broadcasts.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/relaycast/internal/protocol"
)

func main() {
	var (
		baseURL        string
		conversationID string
		duration       time.Duration
	)
	flag.StringVar(&baseURL, "server", "http://localhost:3600", "relay base URL")
	flag.StringVar(&conversationID, "conversation", "", "conversation id to listen to (required)")
	flag.DurationVar(&duration, "duration", 0, "detach after this long (0 = until interrupted)")
	flag.Parse()

	if conversationID == "" {
		fmt.Fprintln(os.Stderr, "missing -conversation")
		flag.Usage()
		os.Exit(2)
	}

	base := strings.TrimRight(baseURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u := base + "/v1/participant/" + url.PathEscape(conversationID) + "?mode=" + protocol.ModeListener

	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		log.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fmt.Println(string(data))
		}
	}()

	if err := conn.WriteJSON(protocol.StartRequest{Type: protocol.TypeStartRequest}); err != nil {
		log.Fatalf("send start_request: %v", err)
	}
	log.Printf("listening on conversation %s", conversationID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var timeout <-chan time.Time
	if duration > 0 {
		timeout = time.After(duration)
	}
	select {
	case <-sigCh:
	case <-timeout:
	case <-done:
		log.Printf("relay closed the connection")
		return
	}

	_ = conn.WriteJSON(protocol.StopRequest{Type: protocol.TypeStopRequest})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}
