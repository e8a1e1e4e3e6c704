package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ServiceName string
	HTTPAddr    string
	GRPCAddr    string // vacío desactiva el servidor de health gRPC

	Store       string // sqlite | memory
	DBDriver    string // sqlite (modernc) | sqlite3 (mattn, cgo)
	DBPath      string
	SeedOnStart bool

	CheckoutTimeout time.Duration
	OrderCacheSize  int
	CORSOrigins     []string

	RabbitURL      string
	RabbitExchange string

	LogLevel      string
	LogFormat     string
	TraceExporter string
}

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"

	ShutdownGrace = 10 * time.Second
)

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// lookupenv respeta un valor vacío explícito (p. ej. para desactivar un listener).
func lookupenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func getenvInt(key string, def int) int {
	raw := getenv(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", raw).Int("default", def).Msg("invalid integer, using default")
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	raw := getenv(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Warn().Str("key", key).Str("value", raw).Dur("default", def).Msg("invalid duration, using default")
		return def
	}
	return d
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadConfig lee el entorno; un .env en el directorio actual es opcional.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		ServiceName: getenv("BOOKSTORE_SERVICE_NAME", "bookstore"),
		HTTPAddr:    getenv("BOOKSTORE_HTTP_ADDR", ":5000"),
		GRPCAddr:    lookupenv("BOOKSTORE_GRPC_ADDR", ":50055"),

		Store:       getenv("BOOKSTORE_STORE", StoreSQLite),
		DBDriver:    getenv("BOOKSTORE_DB_DRIVER", driverModernc),
		DBPath:      getenv("BOOKSTORE_DB_PATH", "./data/bookstore.db"),
		SeedOnStart: getenv("BOOKSTORE_SEED", "true") == "true",

		CheckoutTimeout: getenvDuration("BOOKSTORE_CHECKOUT_TIMEOUT", 10*time.Second),
		OrderCacheSize:  getenvInt("BOOKSTORE_ORDER_CACHE_SIZE", 256),
		CORSOrigins:     splitCSV(getenv("BOOKSTORE_CORS_ORIGINS", "*")),

		RabbitURL:      os.Getenv("RABBIT_URL"),
		RabbitExchange: getenv("RABBIT_EXCHANGE", "bookstore.events"),

		LogLevel:      getenv("LOG_LEVEL", "info"),
		LogFormat:     getenv("LOG_FORMAT", "console"),
		TraceExporter: getenv("OTEL_TRACES_EXPORTER", "none"),
	}
}
