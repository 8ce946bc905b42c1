package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cstoian/Maki/common/environment"
	"github.com/cstoian/Maki/common/version"
	"github.com/cstoian/Maki/internal/maki/action"
	"github.com/cstoian/Maki/internal/maki/app"
	"github.com/cstoian/Maki/internal/maki/matrix"
)

func main() {
	fmt.Printf("Maki Conversational Automation\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	// Load configuration from environment
	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Create application
	maki, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Maki: %v\n", err)
		os.Exit(1)
	}
	defer maki.Stop()

	// Run application
	if err := maki.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Maki: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from environment variables
func loadConfig() (*app.Config, error) {
	homeserver, err := environment.RequiredString("MATRIX_HOMESERVER")
	if err != nil {
		return nil, err
	}
	userID, err := environment.RequiredString("MATRIX_USER_ID")
	if err != nil {
		return nil, err
	}
	accessToken, err := environment.RequiredString("MATRIX_ACCESS_TOKEN")
	if err != nil {
		return nil, err
	}

	config := &app.Config{
		DatabasePath: environment.StringOr("DATABASE_PATH", "./maki.db"),
		Matrix: matrix.Config{
			Homeserver:  homeserver,
			UserID:      userID,
			AccessToken: accessToken,
			Rooms:       environment.StringSliceOr("MATRIX_ROOMS", nil),
		},
		EngineTimeout:  environment.DurationOr("ENGINE_TIMEOUT", 0),
		AllowedSenders: environment.StringSliceOr("ALLOWED_SENDERS", nil),
	}

	// Script library directory; definitions are seeded into the store on
	// startup. Optional so a pure chat-managed deployment can run without it.
	if dir, ok := environment.String("SCRIPTS_DIR"); ok {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("SCRIPTS_DIR %q: %w", dir, err)
		}
		config.ScriptsFS = os.DirFS(dir)
	}

	// External action credentials come from the environment only.
	mode := action.AuthMode(environment.StringOr("ACTION_AUTH_MODE", string(action.AuthNone)))
	switch mode {
	case action.AuthNone:
		config.ActionAuth = action.AuthConfig{Mode: action.AuthNone}
	case action.AuthBearer, action.AuthAPIKey:
		token, err := environment.RequiredString("ACTION_AUTH_TOKEN")
		if err != nil {
			return nil, fmt.Errorf("ACTION_AUTH_MODE=%s requires ACTION_AUTH_TOKEN", mode)
		}
		config.ActionAuth = action.AuthConfig{Mode: mode, Token: token}
	default:
		return nil, fmt.Errorf("unknown ACTION_AUTH_MODE %q", mode)
	}

	// Engine timeouts below a sane floor make every script fail; refuse them.
	if config.EngineTimeout < 0 || (config.EngineTimeout > 0 && config.EngineTimeout < 100*time.Millisecond) {
		return nil, fmt.Errorf("ENGINE_TIMEOUT must be at least 100ms")
	}

	return config, nil
}
