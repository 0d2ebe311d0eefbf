package env

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/joho/godotenv"
)

var Env map[string]string

func GetEnv(key, def string) string {
	// First check our loaded Env map
	if val, ok := Env[key]; ok {
		return val
	}
	// Fallback to OS environment variables (for Docker/tests)
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// GetIntEnv returns the integer value of key, or def when unset or malformed.
func GetIntEnv(key string, def int) int {
	raw := strings.TrimSpace(GetEnv(key, ""))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warnf("[Env] Ignoring non-integer value for %s: %q", key, raw)
		return def
	}
	return v
}

// GetFloatEnv returns the float value of key, or def when unset or malformed.
func GetFloatEnv(key string, def float64) float64 {
	raw := strings.TrimSpace(GetEnv(key, ""))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warnf("[Env] Ignoring non-numeric value for %s: %q", key, raw)
		return def
	}
	return v
}

// GetDurationEnv reads key as a count of unit (e.g. minutes), falling back to def.
func GetDurationEnv(key string, unit time.Duration, def time.Duration) time.Duration {
	n := GetIntEnv(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * unit
}

func SetupEnvFile() {
	// Look for .env file in project root
	envFiles := []string{
		".env",          // Current directory
		"../../.env",    // From cmd/patronbox to project root
		"../../../.env", // Fallback for deeper nesting
	}

	var err error
	for _, envFile := range envFiles {
		Env, err = godotenv.Read(envFile)
		if err == nil {
			return
		}
	}

	// Containers inject configuration through the process environment only.
	Env = map[string]string{}
	log.Warn("[Env] No .env file found, using process environment")
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
