package node

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries the node's runtime settings. Every field has an
// environment variable and a default; flags in cmd/asip-node may override.
type Config struct {
	Topic           string        // ASIP_TOPIC
	MinResponses    int           // ASIP_MIN_RESPONSES
	ResponseTimeout time.Duration // ASIP_RESPONSE_TIMEOUT (ms)
	ListenAddr      string        // ASIP_LISTEN_ADDR
	Peers           []string      // ASIP_PEERS (comma separated ws addresses)
	OllamaURL       string        // ASIP_OLLAMA_URL
	Model           string        // ASIP_MODEL
	BoardURL        string        // ASIP_BOARD_URL (empty disables reporting)
	NamesURL        string        // ASIP_NAMES_URL (empty disables lookup)
	Token           string        // ASIP_TOKEN
	DataDir         string        // ASIP_DATA_DIR
	ExportInterval  time.Duration // ASIP_EXPORT_INTERVAL (ms)
}

// ConfigFromEnv reads the environment with defaults.
func ConfigFromEnv() Config {
	return Config{
		Topic:           envString("ASIP_TOPIC", "asip-clawdbot-v1"),
		MinResponses:    envInt("ASIP_MIN_RESPONSES", 3),
		ResponseTimeout: envDurationMS("ASIP_RESPONSE_TIMEOUT", 30*time.Second),
		ListenAddr:      envString("ASIP_LISTEN_ADDR", "127.0.0.1:9040"),
		Peers:           envList("ASIP_PEERS"),
		OllamaURL:       os.Getenv("ASIP_OLLAMA_URL"),
		Model:           os.Getenv("ASIP_MODEL"),
		BoardURL:        os.Getenv("ASIP_BOARD_URL"),
		NamesURL:        os.Getenv("ASIP_NAMES_URL"),
		Token:           os.Getenv("ASIP_TOKEN"),
		DataDir:         envString("ASIP_DATA_DIR", "./data"),
		ExportInterval:  envDurationMS("ASIP_EXPORT_INTERVAL", time.Minute),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDurationMS(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
