// Package webhooks posts dispatch events to external receivers with retries.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dispatchsim/internal/logging"
	"dispatchsim/internal/metrics"
)

type Config struct {
	URLs        []string
	Secret      string
	MaxAttempts int
}

// Delivery is one queued POST of one event to one URL.
type Delivery struct {
	ID        string
	URL       string
	EventType string
	Payload   []byte
	Attempts  int
	NextAt    time.Time
	LastError string
	LastCode  int
}

type Worker struct {
	cfg  Config
	HTTP *http.Client
	log  logrus.FieldLogger
	now  func() time.Time

	mu     sync.Mutex
	queue  []*Delivery
	failed []*Delivery
}

func NewWorker(cfg Config, log logrus.FieldLogger) *Worker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 10
	}
	return &Worker{
		cfg:  cfg,
		HTTP: &http.Client{Timeout: 5 * time.Second},
		log:  logging.Component(log, "webhooks"),
		now:  time.Now,
	}
}

// Emit queues the event for every configured URL.
func (w *Worker) Emit(eventType string, at time.Time, data any) error {
	body, err := json.Marshal(map[string]any{
		"id":   "evt_" + uuid.NewString(),
		"type": eventType,
		"at":   at.UTC().Format(time.RFC3339),
		"data": data,
	})
	if err != nil {
		return err
	}
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, u := range w.cfg.URLs {
		w.queue = append(w.queue, &Delivery{ID: uuid.NewString(), URL: u, EventType: eventType, Payload: body, NextAt: now})
	}
	return nil
}

// Pending is the number of deliveries still to be attempted.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Failed returns the deliveries that ran out of attempts.
func (w *Worker) Failed() []Delivery {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Delivery, len(w.failed))
	for i, d := range w.failed {
		out[i] = *d
	}
	return out
}

// Run processes due deliveries every second until ctx ends.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

func (w *Worker) due() []*Delivery {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*Delivery
	for _, d := range w.queue {
		if !d.NextAt.After(now) {
			out = append(out, d)
		}
		if len(out) == 50 {
			break
		}
	}
	return out
}

func (w *Worker) processOnce(ctx context.Context) {
	for _, d := range w.due() {
		code, err := w.post(ctx, d)
		success := err == nil && code >= 200 && code < 300

		w.mu.Lock()
		d.Attempts++
		d.LastCode = code
		d.LastError = ""
		if err != nil {
			d.LastError = err.Error()
		}
		switch {
		case success:
			w.removeLocked(d)
			metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
		case d.Attempts >= w.cfg.MaxAttempts:
			w.removeLocked(d)
			w.failed = append(w.failed, d)
			metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
			w.log.WithFields(logrus.Fields{"url": d.URL, "type": d.EventType, "attempts": d.Attempts, "code": code}).Warn("webhook delivery failed")
		default:
			d.NextAt = w.now().Add(nextBackoff(d.Attempts))
			metrics.WebhookDeliveries.WithLabelValues("retry").Inc()
		}
		w.mu.Unlock()
	}
}

func (w *Worker) post(ctx context.Context, d *Delivery) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventType, d.EventType)
	req.Header.Set(HeaderAttempt, strconv.Itoa(d.Attempts+1))
	if w.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(w.cfg.Secret, d.Payload))
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func (w *Worker) removeLocked(d *Delivery) {
	for i, q := range w.queue {
		if q == d {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			return
		}
	}
}

// nextBackoff doubles from one second, capped at an hour.
func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
