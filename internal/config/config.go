package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int // Pool size cap, shared by both services
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	WakeTopic      string // NSQ topic carrying claim wake-up nudges
	WorkerChannel  string // NSQ channel name for workers
	Enabled        bool   // nudges are a latency optimization only
}

type Webhook struct {
	SignatureHeader  string // HTTP header for webhook signature
	TimestampHeader  string // HTTP header for webhook timestamp
	EventTypeHeader  string // HTTP header carrying the event type
	DeliveryIDHeader string // HTTP header carrying the delivery id
}

type Worker struct {
	Count                      int           // Number of workers in the pool
	ClaimLimit                 int           // Max deliveries claimed per call
	PollInterval               time.Duration // Claim poll interval when idle
	LeaseDuration              time.Duration // Exclusive claim duration
	RequestTimeout             time.Duration // Hard timeout per HTTP attempt
	MaxResponseBytes           int           // Response body capture cap
	MaxInFlightPerSubscription int           // Backpressure cap per subscription
	MaxBackoff                 time.Duration // Ceiling on the backoff interval
	RetryableStatusCodes       []int         // Extra status codes retried despite being non-5xx
	HTTPPort                   string        // Worker HTTP metrics port
}

type Defaults struct {
	MaxRetries        int // Retry ceiling for new subscriptions
	RetryDelaySeconds int // Backoff base for new subscriptions
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	FailStatus           int           // Status code used for scripted failures
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	DB           DB
	NSQ          NSQ
	Webhook      Webhook
	Worker       Worker
	Defaults     Defaults
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseStatusCodes(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	codes := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if c, err := strconv.Atoi(part); err == nil && c >= 100 && c <= 599 {
			codes = append(codes, c)
		}
	}
	return codes
}

func FromEnv() Config {
	cfg := Config{
		AppName:  getenv("APP_NAME", "webhookd"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "webhookd"),

			MaxConns: getenvInt("DB_MAX_CONNS", 10),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			WakeTopic:      getenv("NSQ_WAKE_TOPIC", "deliveries"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
			Enabled:        getenvBool("NSQ_ENABLED", true),
		},
		Webhook: Webhook{
			SignatureHeader:  getenv("WEBHOOK_SIGNATURE_HEADER", "X-Clarus-Signature"),
			TimestampHeader:  getenv("WEBHOOK_TIMESTAMP_HEADER", "X-Clarus-Timestamp"),
			EventTypeHeader:  getenv("WEBHOOK_EVENT_TYPE_HEADER", "X-Clarus-Event"),
			DeliveryIDHeader: getenv("WEBHOOK_DELIVERY_ID_HEADER", "X-Clarus-Delivery"),
		},
		Worker: Worker{
			Count:                      getenvInt("WORKER_COUNT", 4),
			ClaimLimit:                 getenvInt("CLAIM_LIMIT", 25),
			PollInterval:               getenvDuration("POLL_INTERVAL", 2*time.Second),
			LeaseDuration:              getenvDuration("LEASE_DURATION", 60*time.Second),
			RequestTimeout:             getenvDuration("REQUEST_TIMEOUT", 15*time.Second),
			MaxResponseBytes:           getenvInt("MAX_RESPONSE_BYTES", 4096),
			MaxInFlightPerSubscription: getenvInt("MAX_INFLIGHT_PER_SUBSCRIPTION", 10),
			MaxBackoff:                 getenvDuration("MAX_BACKOFF", time.Hour),
			RetryableStatusCodes:       parseStatusCodes(getenv("RETRYABLE_STATUS_CODES", "")),
			HTTPPort:                   ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Defaults: Defaults{
			MaxRetries:        getenvInt("DEFAULT_MAX_RETRIES", 5),
			RetryDelaySeconds: getenvInt("DEFAULT_RETRY_DELAY_SECONDS", 60),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			FailStatus:           getenvInt("FAIL_STATUS", 500),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}

	// Lease expiry is the crash-recovery path; a lease shorter than the
	// attempt timeout would let a live attempt be reclaimed mid-flight.
	if cfg.Worker.LeaseDuration < 2*cfg.Worker.RequestTimeout {
		cfg.Worker.LeaseDuration = 2 * cfg.Worker.RequestTimeout
	}

	return cfg
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
