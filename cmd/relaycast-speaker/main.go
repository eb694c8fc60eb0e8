// relaycast-speaker streams a 16-bit PCM mono WAV file into a conversation
// as the speaker and prints every event the relay broadcasts back.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/relaycast/internal/audio"
	"github.com/antoniostano/relaycast/internal/protocol"
)

type options struct {
	baseURL        string
	conversationID string
	wavPath        string
	chunkMS        int
	userID         string
	name           string
	stopTimeout    time.Duration
}

func main() {
	opts := parseFlags()

	pcm, sampleRate, err := audio.ReadWAVPCM16LEFile(opts.wavPath)
	if err != nil {
		log.Fatalf("read wav: %v", err)
	}
	log.Printf("conversation %s: streaming %s (%d Hz, %d bytes)", opts.conversationID, opts.wavPath, sampleRate, len(pcm))

	conn, err := dial(opts.baseURL, opts.conversationID, protocol.ModeSpeaker)
	if err != nil {
		log.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	started := make(chan struct{}, 1)
	completed := make(chan struct{}, 1)
	go readEvents(conn, started, completed)

	start := protocol.StartRequest{
		Type:         protocol.TypeStartRequest,
		InsightTypes: []string{"action_item", "question"},
		Config: &protocol.StartConfig{
			SampleRateHertz: sampleRate,
			Mode:            protocol.ModeSpeaker,
		},
		Speaker: &protocol.Speaker{UserID: opts.userID, Name: opts.name},
	}
	if err := conn.WriteJSON(start); err != nil {
		log.Fatalf("send start_request: %v", err)
	}

	select {
	case <-started:
	case <-time.After(30 * time.Second):
		log.Fatalf("timed out waiting for recognition_started")
	}

	chunkBytes := sampleRate * 2 * opts.chunkMS / 1000
	ticker := time.NewTicker(time.Duration(opts.chunkMS) * time.Millisecond)
	defer ticker.Stop()
	for offset := 0; offset < len(pcm); offset += chunkBytes {
		<-ticker.C
		end := offset + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[offset:end]); err != nil {
			log.Fatalf("send audio: %v", err)
		}
	}

	log.Printf("audio finished, stopping recognition")
	if err := conn.WriteJSON(protocol.StopRequest{Type: protocol.TypeStopRequest}); err != nil {
		log.Fatalf("send stop_request: %v", err)
	}

	select {
	case <-completed:
		log.Printf("conversation completed")
	case <-time.After(opts.stopTimeout):
		log.Printf("no conversation_completed within %s, giving up", opts.stopTimeout)
	}
}

func parseFlags() options {
	opts := options{}
	flag.StringVar(&opts.baseURL, "server", "http://localhost:3600", "relay base URL")
	flag.StringVar(&opts.conversationID, "conversation", "", "conversation id (defaults to a fresh uuid)")
	flag.StringVar(&opts.wavPath, "wav", "", "path to a 16-bit PCM mono WAV file (required)")
	flag.IntVar(&opts.chunkMS, "chunk-ms", 100, "audio chunk duration in milliseconds")
	flag.StringVar(&opts.userID, "user-id", "john@example.com", "speaker user id")
	flag.StringVar(&opts.name, "name", "John", "speaker display name")
	flag.DurationVar(&opts.stopTimeout, "stop-timeout", 30*time.Second, "how long to wait for conversation_completed")
	flag.Parse()

	if opts.wavPath == "" {
		fmt.Fprintln(os.Stderr, "missing -wav")
		flag.Usage()
		os.Exit(2)
	}
	if opts.conversationID == "" {
		opts.conversationID = uuid.NewString()
	}
	if opts.chunkMS <= 0 {
		opts.chunkMS = 100
	}
	return opts
}

func dial(baseURL, conversationID, mode string) (*websocket.Conn, error) {
	base := strings.TrimRight(baseURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u := base + "/v1/participant/" + url.PathEscape(conversationID) + "?mode=" + mode
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	return conn, err
}

func readEvents(conn *websocket.Conn, started, completed chan<- struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		fmt.Println(string(data))

		var frame struct {
			Type    string `json:"type"`
			Message struct {
				Type string `json:"type"`
			} `json:"message"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type != string(protocol.TypeMessage) {
			continue
		}
		switch frame.Message.Type {
		case "recognition_started":
			select {
			case started <- struct{}{}:
			default:
			}
		case "conversation_completed":
			select {
			case completed <- struct{}{}:
			default:
			}
		}
	}
}
