//go:build ignore

// Fakeapi is a local stand-in for the voice assistant web API used to try
// voicectl by hand. It serves a bootstrap probe, a device list, player
// state, notifications, routines and smart home entities, and can inject
// failures to exercise the circuit breaker and rate limit handling.
//
// Usage:
//
//	go run fakeapi.go -port 8090 -fail-every 3 -status 503
//
// Point voicectl at it with VOICECTL_API_BASE_URL=http://localhost:8090.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type device struct {
	Name         string   `json:"accountName"`
	SerialNumber string   `json:"serialNumber"`
	DeviceType   string   `json:"deviceType"`
	Family       string   `json:"deviceFamily"`
	Online       bool     `json:"online"`
	Capabilities []string `json:"capabilities"`
}

type notification struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Status             string `json:"status"`
	DeviceSerialNumber string `json:"deviceSerialNumber"`
	Label              string `json:"timerLabel,omitempty"`
	RemainingMillis    int64  `json:"remainingTime,omitempty"`
	AlarmTime          int64  `json:"alarmTime,omitempty"`
}

var devices = []device{
	{Name: "Kitchen", SerialNumber: "G090LF0964", DeviceType: "A3S5BH2HU6VAYF", Family: "ECHO", Online: true, Capabilities: []string{"VOLUME_SETTING", "TIMERS_AND_ALARMS"}},
	{Name: "Living Room", SerialNumber: "G090LF1177", DeviceType: "A4ZP7ZC4PI6TO", Family: "ECHO", Online: true, Capabilities: []string{"VOLUME_SETTING"}},
	{Name: "Bedroom", SerialNumber: "G090LF2210", DeviceType: "A3S5BH2HU6VAYF", Family: "ECHO", Online: false, Capabilities: []string{"VOLUME_SETTING"}},
}

const sequenceJSON = `{"@type":"com.amazon.alexa.behaviors.model.Sequence","startNode":{"@type":"com.amazon.alexa.behaviors.model.SerialNode","nodesToExecute":[]}}`

type server struct {
	failEvery  int64
	status     int
	retryAfter string
	requests   atomic.Int64

	mutex         sync.Mutex
	volume        int
	playing       bool
	notifications []notification
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

// inject fails every n-th request with the configured status.
func (s *server) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.requests.Add(1)
		body, _ := io.ReadAll(r.Body)
		log.Printf("request: n=%d method=%s path=%s body=%s", n, r.Method, r.URL.Path, string(body))

		if r.Header.Get("Cookie") == "" {
			http.Error(w, "missing session", http.StatusUnauthorized)
			return
		}
		if s.failEvery > 0 && n%s.failEvery == 0 {
			if s.status == http.StatusTooManyRequests && s.retryAfter != "" {
				w.Header().Set("Retry-After", s.retryAfter)
			}
			http.Error(w, "injected failure", s.status)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/bootstrap", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"authentication": map[string]any{"authenticated": true}})
	})

	mux.HandleFunc("GET /api/devices-v2/device", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
	})

	mux.HandleFunc("GET /api/np/player", func(w http.ResponseWriter, r *http.Request) {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		state := "PAUSED"
		if s.playing {
			state = "PLAYING"
		}
		writeJSON(w, http.StatusOK, map[string]any{"playerInfo": map[string]any{
			"state":    state,
			"volume":   s.volume,
			"title":    "Blue in Green",
			"artist":   "Miles Davis",
			"provider": "AMAZON_MUSIC",
		}})
	})

	mux.HandleFunc("POST /api/np/command", func(w http.ResponseWriter, r *http.Request) {
		var cmd struct {
			Type        string `json:"type"`
			VolumeLevel int    `json:"volumeLevel"`
		}
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		s.mutex.Lock()
		switch cmd.Type {
		case "VolumeLevelCommand":
			s.volume = cmd.VolumeLevel
		case "PlayCommand":
			s.playing = true
		case "PauseCommand":
			s.playing = false
		}
		s.mutex.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	mux.HandleFunc("GET /api/notifications", func(w http.ResponseWriter, r *http.Request) {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"notifications": s.notifications})
	})

	mux.HandleFunc("PUT /api/notifications/createReminder", func(w http.ResponseWriter, r *http.Request) {
		var n notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		n.ID = uuid.NewString()
		s.mutex.Lock()
		s.notifications = append(s.notifications, n)
		s.mutex.Unlock()
		writeJSON(w, http.StatusOK, n)
	})

	mux.HandleFunc("DELETE /api/notifications/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s.mutex.Lock()
		defer s.mutex.Unlock()
		for i, n := range s.notifications {
			if n.ID == id {
				s.notifications = append(s.notifications[:i], s.notifications[i+1:]...)
				writeJSON(w, http.StatusOK, map[string]any{})
				return
			}
		}
		http.Error(w, "not found", http.StatusNotFound)
	})

	mux.HandleFunc("GET /api/behaviors/v2/automations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"automationId": "amzn1.alexa.automation.1", "name": "Good morning", "status": "ENABLED", "sequence": sequenceJSON},
			{"automationId": "amzn1.alexa.automation.2", "name": "Bedtime", "status": "ENABLED", "sequence": sequenceJSON},
		})
	})

	mux.HandleFunc("POST /api/behaviors/preview", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	mux.HandleFunc("GET /api/behaviors/entities", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"id": "lamp-1", "displayName": "Desk Lamp", "entityType": "LIGHT"},
			{"id": "plug-1", "displayName": "Kettle", "entityType": "SMARTPLUG"},
		})
	})

	mux.HandleFunc("PUT /api/phoenix/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"controlResponses": []any{}})
	})

	return mux
}

func main() {
	port := flag.Int("port", 8090, "port to listen on")
	failEvery := flag.Int64("fail-every", 0, "fail every n-th request (0 disables)")
	status := flag.Int("status", http.StatusServiceUnavailable, "status code for injected failures")
	retryAfter := flag.Int("retry-after", 0, "Retry-After seconds sent with injected 429s")
	flag.Parse()

	s := &server{failEvery: *failEvery, status: *status, volume: 40}
	if *retryAfter > 0 {
		s.retryAfter = strconv.Itoa(*retryAfter)
	}

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("starting fake api on %s", addr)
	if err := http.ListenAndServe(addr, s.inject(s.routes())); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
