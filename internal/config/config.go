package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	WakeTopic      string // topic the API nudges workers on after ingest
	WorkerChannel  string // NSQ channel name for workers
}

type Intake struct {
	MaxBatchRecords int   // batches above this record count are rejected wholesale
	MaxBatchBytes   int64 // batches above this encoded size are rejected wholesale
}

type Worker struct {
	BatchSize       int           // events claimed per cycle
	PollInterval    time.Duration // base polling interval between claim cycles
	DispatchTimeout time.Duration // per-destination delivery deadline
	MaxAttempts     int           // delivery cycles before an event goes terminal failed
	BackoffBase     time.Duration // first retry delay, doubled per attempt
	BackoffMax      time.Duration // retry delay cap
	JitterPercent   float64       // backoff jitter percentage (0.0-1.0)
	HTTPPort        string        // worker HTTP metrics/health port
}

type Auth struct {
	JWTPublicKeyPEM string // RSA public key for ingest API bearer tokens
	JWTIssuer       string
	JWTAudience     string
}

type Config struct {
	AppName       string
	HTTPPort      string // :8080
	DB            DB
	NSQ           NSQ
	Intake        Intake
	Worker        Worker
	Auth          Auth
	EncryptionKey string // base64 32-byte key for credential ciphertexts
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

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
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

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "marketing-relay"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "relay"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			WakeTopic:      getenv("NSQ_WAKE_TOPIC", "event_wake"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Intake: Intake{
			MaxBatchRecords: getenvInt("INTAKE_MAX_BATCH_RECORDS", 500),
			MaxBatchBytes:   getenvInt64("INTAKE_MAX_BATCH_BYTES", 1<<20),
		},
		Worker: Worker{
			BatchSize:       getenvInt("WORKER_BATCH_SIZE", 100),
			PollInterval:    getenvDuration("WORKER_POLL_INTERVAL", 10*time.Second),
			DispatchTimeout: getenvDuration("DISPATCH_TIMEOUT", 15*time.Second),
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 5),
			BackoffBase:     getenvDuration("BACKOFF_BASE", time.Minute),
			BackoffMax:      getenvDuration("BACKOFF_MAX", 15*time.Minute),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			HTTPPort:        ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Auth: Auth{
			JWTPublicKeyPEM: getenv("JWT_PUBLIC_KEY_PEM", ""),
			JWTIssuer:       getenv("JWT_ISSUER", "marketing-relay"),
			JWTAudience:     getenv("JWT_AUDIENCE", "relay-api"),
		},
		EncryptionKey: getenv("CREDENTIAL_ENCRYPTION_KEY", ""),
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
