package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/jobhook/internal/retry"
)

type Store struct {
	Backend  string // redis, postgres or memory
	RedisURL string // e.g. redis://redis:6379/0
}

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	Enabled          bool   // when false the worker resumes retries inline
	NsqdTCPAddr      string // e.g. nsqd:4150
	NsqdHTTPAddr     string // e.g. nsqd:4151, polled for channel depth
	LookupHTTPAddr   string // e.g. http://nsqlookupd:4161
	CompletionsTopic string // inbound job completion events
	RetriesTopic     string // claimed retries handed to workers
	DLQTopic         string // dead-letter notifications
	Channel          string // NSQ channel name for workers
	MaxInFlight      int
}

type Retry struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

type Delivery struct {
	Timeout         time.Duration // per-attempt HTTP timeout
	SigningSecret   string        // empty disables request signing
	SignatureHeader string
	TimestampHeader string
	StatusTTL       time.Duration
	AttemptTTL      time.Duration
	DedupeTTL       time.Duration
	DeadLetterTTL   time.Duration
}

type Worker struct {
	SweepInterval   time.Duration // how often due retries are claimed
	SweepBatch      int           // max retries claimed per sweep
	BacklogInterval time.Duration // how often backlog gauges refresh
	PublishDLQ      bool          // whether to publish archived deliveries to NSQ
	HTTPPort        string        // worker HTTP metrics port
}

type API struct {
	HTTPPort     string
	JWTPublicKey string // PEM; empty disables operator auth
	JWTIssuer    string
	JWTAudience  string
	RetryBaseURL string // empty means dead-letter retries call the engine in-process
	RetryToken   string
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	FailStatus           int           // Status returned while failing
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

// TokenServer configures the development operator-token issuer.
type TokenServer struct {
	HTTPPort   string
	PrivateKey string        // PEM (PKCS1 or PKCS8); empty generates a key at startup
	KeyID      string        // kid header on issued tokens
	DefaultTTL time.Duration // token lifetime when the request names none
}

type Config struct {
	AppName      string
	Store        Store
	DB           DB
	NSQ          NSQ
	Retry        Retry
	Delivery     Delivery
	Worker       Worker
	API          API
	FakeReceiver FakeReceiver
	TokenServer  TokenServer
	OTLPEndpoint string // empty disables trace export
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

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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

// port accepts "8080" or ":8080".
func port(v string) string {
	if strings.HasPrefix(v, ":") {
		return v
	}
	return ":" + v
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "jobhook"),
		Store: Store{
			Backend:  strings.ToLower(getenv("STORE_BACKEND", "redis")),
			RedisURL: getenv("REDIS_URL", "redis://redis:6379/0"),
		},
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "jobhook"),
		},
		NSQ: NSQ{
			Enabled:          getenvBool("NSQ_ENABLED", true),
			NsqdTCPAddr:      getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:     getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr:   getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			CompletionsTopic: getenv("NSQ_COMPLETIONS_TOPIC", "job_completions"),
			RetriesTopic:     getenv("NSQ_RETRIES_TOPIC", "delivery_retries"),
			DLQTopic:         getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			Channel:          getenv("NSQ_CHANNEL", "jobhook"),
			MaxInFlight:      getenvInt("NSQ_MAX_IN_FLIGHT", 100),
		},
		Retry: Retry{
			MaxAttempts:   getenvInt("MAX_ATTEMPTS", 3),
			BaseDelay:     getenvDuration("RETRY_BASE_DELAY", 2*time.Second),
			MaxDelay:      getenvDuration("RETRY_MAX_DELAY", 30*time.Second),
			BackoffFactor: getenvFloat("RETRY_BACKOFF_FACTOR", 2),
			Jitter:        getenvBool("RETRY_JITTER", true),
		},
		Delivery: Delivery{
			Timeout:         getenvDuration("DELIVERY_TIMEOUT", 15*time.Second),
			SigningSecret:   getenv("SIGNING_SECRET", ""),
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-Jobhook-Signature"),
			TimestampHeader: getenv("WEBHOOK_TIMESTAMP_HEADER", "X-Jobhook-Timestamp"),
			StatusTTL:       getenvDuration("STATUS_TTL", 7*24*time.Hour),
			AttemptTTL:      getenvDuration("ATTEMPT_TTL", 30*24*time.Hour),
			DedupeTTL:       getenvDuration("DEDUPE_TTL", 24*time.Hour),
			DeadLetterTTL:   getenvDuration("DEAD_LETTER_TTL", 90*24*time.Hour),
		},
		Worker: Worker{
			SweepInterval:   getenvDuration("SWEEP_INTERVAL", time.Second),
			SweepBatch:      getenvInt("SWEEP_BATCH", 100),
			BacklogInterval: getenvDuration("BACKLOG_INTERVAL", 15*time.Second),
			PublishDLQ:      getenvBool("PUBLISH_DLQ_TOPIC", false),
			HTTPPort:        port(getenv("WORKER_HTTP_PORT", "8083")),
		},
		API: API{
			HTTPPort:     port(getenv("HTTP_PORT", "8080")),
			JWTPublicKey: getenv("JWT_PUBLIC_KEY", ""),
			JWTIssuer:    getenv("JWT_ISSUER", "jobhook"),
			JWTAudience:  getenv("JWT_AUDIENCE", "jobhook-api"),
			RetryBaseURL: getenv("RETRY_BASE_URL", ""),
			RetryToken:   getenv("RETRY_TOKEN", ""),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			FailStatus:           getenvInt("FAIL_STATUS", 500),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 port(getenv("FAKE_RECEIVER_PORT", "8081")),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
		TokenServer: TokenServer{
			HTTPPort:   port(getenv("TOKEN_SERVER_PORT", "8082")),
			PrivateKey: getenv("JWT_PRIVATE_KEY", ""),
			KeyID:      getenv("JWT_KEY_ID", "jobhook-key-1"),
			DefaultTTL: getenvDuration("JWT_TOKEN_TTL", time.Hour),
		},
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// RetryPolicy converts the retry section for the scheduler.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   c.Retry.MaxAttempts,
		BaseDelay:     c.Retry.BaseDelay,
		MaxDelay:      c.Retry.MaxDelay,
		BackoffFactor: c.Retry.BackoffFactor,
		Jitter:        c.Retry.Jitter,
	}
}
