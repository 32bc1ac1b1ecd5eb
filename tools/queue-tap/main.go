// queue-tap mirrors messages flowing through the schedcore subjects so
// a developer can watch dispatches and run events without standing up a
// consumer. The core NATS subscription observes traffic without pulling
// anything off the work queue stream.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

type message struct {
	Timestamp string `json:"timestamp"`
	Subject   string `json:"subject"`
	Data      string `json:"data"`
}

type stats struct {
	Count        int64     `json:"count"`
	LastMessages []message `json:"last_messages"`
	Since        string    `json:"since"`
}

var (
	mu           sync.Mutex
	count        int64
	lastMessages []message
	since        time.Time
	maxStored    = 50
)

func main() {
	since = time.Now().UTC()

	natsURL := nats.DefaultURL
	if v := os.Getenv("NATS_URL"); v != "" {
		natsURL = v
	}
	subject := "schedcore.>"
	if v := os.Getenv("SUBJECT"); v != "" {
		subject = v
	}
	addr := ":8090"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	nc, err := nats.Connect(natsURL)
	if err != nil {
		log.Fatalf("connect to %s: %v", natsURL, err)
	}
	defer nc.Close()

	if _, err := nc.Subscribe(subject, record); err != nil {
		log.Fatalf("subscribe to %s: %v", subject, err)
	}

	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		lastMessages = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("queue-tap watching %s (nats=%s), stats on %s", subject, natsURL, addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func record(msg *nats.Msg) {
	m := message{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Subject:   msg.Subject,
		Data:      string(msg.Data),
	}

	mu.Lock()
	count++
	lastMessages = append(lastMessages, m)
	if len(lastMessages) > maxStored {
		lastMessages = lastMessages[len(lastMessages)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("message #%d on %s: %s", current, msg.Subject, string(msg.Data))
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:        count,
		LastMessages: lastMessages,
		Since:        since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
