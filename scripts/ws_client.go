// Package main runs a demo WebSocket client for the simulation event stream.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type event struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/simulation/stream", RawQuery: "topics=simulation,obstacles,plans"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var e event
			if err := c.ReadJSON(&e); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s/%s @ %s: %s", e.Topic, e.Type, e.At.Format(time.RFC3339), string(e.Data))
		}
	}()

	call(http.MethodPut, base+"/v1/simulation/acceleration", `{"factor":600}`)
	call(http.MethodPost, base+"/v1/simulation/start", "")
	call(http.MethodPost, base+"/v1/obstacles", `{"id":"demo-wall","shape":"POLYLINE","vertices":[{"x":10,"y":0},{"x":10,"y":20}]}`)
	call(http.MethodPost, base+"/v1/plans", `{"level":"FAST"}`)

	select {
	case <-time.After(5 * time.Second):
	case <-done:
	}
	call(http.MethodPost, base+"/v1/simulation/pause", "")
	call(http.MethodDelete, base+"/v1/obstacles/demo-wall", "")
}

func call(method, url, body string) {
	req, err := http.NewRequest(method, url, bytes.NewReader([]byte(body)))
	if err != nil {
		log.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("%s %s: %v", method, url, err)
		return
	}
	_ = resp.Body.Close()
	log.Printf("%s %s -> %d", method, url, resp.StatusCode)
}
