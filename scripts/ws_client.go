// Package main runs a demo restaurant client: it joins one business room on
// the legacy socket and acknowledges every event it receives.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"

	"orderhub/internal/model"
	"orderhub/internal/realtime"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	room := flag.String("room", "", "business id on the channel")
	channel := flag.String("channel", string(model.ChannelNative), "channel the id belongs to")
	token := flag.String("token", "", "bearer token; uses the authenticated socket instead of joining")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/socket"}
	if *token != "" {
		u.Path = "/ws"
		u.RawQuery = url.Values{"token": {*token}}.Encode()
	} else if *room == "" {
		log.Fatal("either -room or -token is required")
	}
	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = ws.Close() }()

	if *token == "" {
		ch, err := model.ParseChannel(*channel)
		if err != nil {
			log.Fatal(err)
		}
		if err := ws.WriteJSON(realtime.Message{Type: realtime.TypeJoin, ID: "join-1", Room: *room, Channel: ch}); err != nil {
			log.Fatal(err)
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = ws.Close()
	}()

	for {
		var m realtime.Message
		if err := ws.ReadJSON(&m); err != nil {
			log.Printf("connection closed: %v", err)
			return
		}
		switch m.Type {
		case realtime.TypeJoined:
			fmt.Printf("joined %s\n", m.Room)
		case realtime.TypeError:
			fmt.Printf("error: %s\n", m.Data)
		case realtime.TypeEvent:
			fmt.Printf("%s %s\n", m.Event, m.Data)
			var body struct {
				OrderNumber string `json:"orderNumber"`
				Business    string `json:"business"`
			}
			_ = json.Unmarshal(m.Data, &body)
			ack, _ := json.Marshal(model.AckResult{Received: true, OrderNumber: body.OrderNumber, Business: body.Business})
			if err := ws.WriteJSON(realtime.Message{Type: realtime.TypeAck, ID: m.ID, Data: ack}); err != nil {
				log.Printf("ack failed: %v", err)
				return
			}
		}
	}
}
