package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Correct usage: go run ./cmd/client <voting-id> [feed-host:port]")
	}
	votingID := os.Args[1]
	host := "localhost:8081"
	if len(os.Args) > 2 {
		host = os.Args[2]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	url := fmt.Sprintf("ws://%s/ws/votings/%s", host, votingID)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "client exit")

	log.Printf("Watching voting '%s'...", votingID)
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Println("Connection closed")
				return
			}
			log.Printf("Read error: %v", err)
			return
		}
		log.Printf("Result: %s", string(msg))
	}
}
