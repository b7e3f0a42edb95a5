package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = 20 * time.Second
)

var streamTopics = []string{TopicSimulation, TopicPlans, TopicObstacles}

func parseTopics(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return streamTopics, nil
	}
	seen := map[string]bool{}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		switch t {
		case TopicSimulation, TopicPlans, TopicObstacles:
		default:
			return nil, fmt.Errorf("unknown topic %q", t)
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// Stream handles GET /v1/simulation/stream?topics=simulation,plans
// The current simulation state is sent first, then every event published on
// the chosen topics. Client messages are read only to service ping/pong.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	topics, err := parseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid topics", err.Error(), r.URL.Path)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	done := make(chan struct{})
	out := make(chan Event, 32)
	subs := make(map[string]chan Event, len(topics))
	for _, t := range topics {
		ch := s.Broker.Subscribe(t)
		subs[t] = ch
		go func(ch chan Event) {
			for evt := range ch {
				select {
				case out <- evt:
				case <-done:
					return
				}
			}
		}(ch)
	}
	defer func() {
		close(done)
		for t, ch := range subs {
			s.Broker.Unsubscribe(t, ch)
		}
	}()

	closed := make(chan struct{})
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(evt Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(evt)
	}
	now := s.Clock.Now()
	if err := send(Event{Type: "simulation.state", Topic: TopicSimulation, At: now, Data: s.simulationView()}); err != nil {
		return
	}
	log := s.Log.WithField("topics", strings.Join(topics, ","))
	log.Debug("stream opened")

	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			log.Debug("stream closed by client")
			return
		case evt := <-out:
			if err := send(evt); err != nil {
				log.WithError(err).Debug("stream write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
