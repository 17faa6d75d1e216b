package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/clarusmed/webhookd/internal/config"
	"github.com/clarusmed/webhookd/internal/webhook"
)

// fake-receiver is a scriptable webhook endpoint for local testing: it
// verifies signatures and can be told to fail the first N requests.
func main() {
	full := config.FromEnv()
	cfg := full.FakeReceiver
	headers := full.Webhook
	var reqCount atomic.Int64

	leeway := time.Duration(cfg.SigningLeewaySeconds) * time.Second

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) {
		n := reqCount.Add(1)
		b, _ := io.ReadAll(r.Body)
		defer r.Body.Close()

		if cfg.ResponseDelayMS > 0 {
			time.Sleep(time.Duration(cfg.ResponseDelayMS) * time.Millisecond)
		}

		if cfg.EndpointSecret != "" {
			err := webhook.VerifySignature(
				[]byte(cfg.EndpointSecret), b,
				r.Header.Get(headers.TimestampHeader),
				r.Header.Get(headers.SignatureHeader),
				leeway, time.Now(),
			)
			if err != nil {
				log.Printf("fake-receiver signature rejected: %v", err)
				http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
				return
			}
		}

		// Simulate flakiness: first N requests fail with the scripted status
		if n <= int64(cfg.FailFirstN) {
			log.Printf("FAILING (%d/%d) %s delivery=%s body=%s",
				n, cfg.FailFirstN, r.URL.Path, r.Header.Get(headers.DeliveryIDHeader), truncate(string(b), 160))
			http.Error(w, "scripted failure", cfg.FailStatus)
			return
		}

		log.Printf("fake-receiver OK %s event=%s delivery=%s body=%q",
			r.URL.Path, r.Header.Get(headers.EventTypeHeader), r.Header.Get(headers.DeliveryIDHeader), truncate(string(b), 160))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`ok`))
	})

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	log.Printf("fake-receiver listening on %s", cfg.Port)
	log.Fatal(srv.ListenAndServe())
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
