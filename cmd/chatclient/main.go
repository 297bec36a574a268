// Package main is a terminal chat client. It connects to a chat server,
// identifies the user, prints room events as they arrive, and sends each
// line typed on stdin as a chat message. Dropped connections are retried
// automatically with backoff.
//
// Usage:
//
//	chatclient -url ws://localhost:8080/ws -user 42 -name alice
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/wejdan/chat-app/client"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "chat server WebSocket URL")
	userID := flag.Int64("user", 0, "user ID to identify as")
	userName := flag.String("name", "", "display name")
	flag.Parse()

	if *userID == 0 || *userName == "" {
		fmt.Fprintln(os.Stderr, "both -user and -name are required")
		flag.Usage()
		os.Exit(1)
	}

	c := client.New(client.DefaultConfig(*url, *userID, *userName))

	c.OnStateChange(func(s client.State) {
		fmt.Printf("* connection %s\n", s)
		if s == client.StateUnavailable {
			fmt.Println("* giving up, press Ctrl-C to exit")
		}
	})

	c.On("message", func(raw json.RawMessage) {
		var msg struct {
			SenderName string `json:"senderName"`
			Content    string `json:"content"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		fmt.Printf("<%s> %s\n", msg.SenderName, msg.Content)
	})

	c.On("user_joined", func(raw json.RawMessage) {
		var msg struct {
			UserName string `json:"userName"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		fmt.Printf("* %s joined\n", msg.UserName)
	})

	c.On("user_left", func(raw json.RawMessage) {
		var msg struct {
			UserName string `json:"userName"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		fmt.Printf("* %s left\n", msg.UserName)
	})

	c.On("typing", func(raw json.RawMessage) {
		var msg struct {
			UserName string `json:"userName"`
			IsTyping bool   `json:"isTyping"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || !msg.IsTyping {
			return
		}
		fmt.Printf("* %s is typing...\n", msg.UserName)
	})

	c.On("error", func(raw json.RawMessage) {
		var msg struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		fmt.Printf("* server error [%s]: %s\n", msg.Code, msg.Message)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		log.Printf("initial connect failed, retrying: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		c.Disconnect()
		cancel()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := c.SendMessage(line); err != nil {
			fmt.Printf("* send failed: %v\n", err)
		}
	}
}
