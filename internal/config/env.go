package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

var ErrNoCredentials = errors.New("GOOGLE_APPLICATION_CREDENTIALS is not set")

// Env is the process environment the app reads at startup.
type Env struct {
	CredentialsFile string
	Project         string
	Endpoint        string
	Host            string
	PostHogKey      string
	PostHogHost     string
	DevMode         bool
}

// LoadEnv loads .env files (missing ones are skipped; variables already set
// win) and reads the environment.
func LoadEnv(files ...string) Env {
	if len(files) == 0 {
		files = []string{".env", filepath.Join(BaseDir(), ".env")}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}

	devMode, _ := strconv.ParseBool(os.Getenv("DEV_MODE"))
	return Env{
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		Project:         os.Getenv("EE_PROJECT"),
		Endpoint:        os.Getenv("EE_ENDPOINT"),
		Host:            strings.TrimRight(os.Getenv("HOST"), "/"),
		PostHogKey:      os.Getenv("POSTHOG_KEY"),
		PostHogHost:     os.Getenv("POSTHOG_HOST"),
		DevMode:         devMode,
	}
}

// Credentials reads the service account key.
func (e Env) Credentials() ([]byte, error) {
	if e.CredentialsFile == "" {
		return nil, ErrNoCredentials
	}
	data, err := os.ReadFile(e.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	return data, nil
}

// PublicLink is the download link for a file written to the output
// directory, or "" when no public host is configured.
func (e Env) PublicLink(file string) string {
	if e.Host == "" {
		return ""
	}
	return e.Host + "/static/public/" + filepath.Base(file)
}
