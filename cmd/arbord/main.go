// Package main is the entry point for the Arbor daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arbor-ai/arbor/internal/api"
	"github.com/arbor-ai/arbor/internal/budget"
	"github.com/arbor-ai/arbor/internal/crypto"
	"github.com/arbor-ai/arbor/internal/lifecycle"
	"github.com/arbor-ai/arbor/internal/orchestrator"
	"github.com/arbor-ai/arbor/internal/registry"
	"github.com/arbor-ai/arbor/internal/store"
	"github.com/arbor-ai/arbor/pkg/types"
)

var (
	configPath  = flag.String("config", "", "Path to config file")
	initMode    = flag.Bool("init", false, "Initialize a new Arbor instance")
	projectPath = flag.String("path", ".", "Project path for initialization")
	showVersion = flag.Bool("version", false, "Show version")
)

const version = "0.1.0"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("arbord version %s\n", version)
		os.Exit(0)
	}

	if *initMode {
		if err := initializeArbor(*projectPath); err != nil {
			log.Fatalf("Initialization failed: %v", err)
		}
		fmt.Println("Arbor initialized successfully!")
		os.Exit(0)
	}

	// Load configuration
	config, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Run the server
	if err := run(config); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func loadConfig(path string) (*types.Config, error) {
	// Use default config if no path specified
	if path == "" {
		// Try common paths
		candidates := []string{
			"arbor.yaml",
			"arbor.yml",
			".arbor/config.yaml",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	// Return default config if no file found
	if path == "" {
		return types.DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config := types.DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

func run(config *types.Config) error {
	log.Printf("Starting Arbor daemon v%s", version)

	// Initialize crypto
	keyManager := crypto.NewKeyManager(config.Crypto.IdentityPath)
	if err := keyManager.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize crypto: %w", err)
	}
	log.Printf("Crypto initialized, public key: %s", keyManager.PublicKeyHint())

	payloadService := crypto.NewPayloadService(keyManager)

	// Initialize durable store
	db := store.NewStore(config.Store.Path)
	if err := db.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()
	log.Printf("Store initialized: %s", config.Store.Path)

	agentStore := store.NewAgentStore(db)
	taskStore := store.NewTaskStore(db)
	costStore := store.NewCostStore(db)

	// Initialize core components
	reg := registry.NewRegistry()
	ledger := budget.NewLedger(costStore)
	manager := lifecycle.NewManager(agentStore, ledger, payloadService, config.Orchestrator.QueueSize)
	orch := orchestrator.New(manager, agentStore, taskStore, lifecycle.RetryConfig{
		Attempts: config.Orchestrator.RestoreAttempts,
		Backoff:  time.Duration(config.Orchestrator.RetryBackoffMs) * time.Millisecond,
	})

	// Initialize API router
	router := api.NewRouter(manager, orch, reg, taskStore, agentStore, costStore)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router.Handler(),
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Print startup info
	log.Printf("Arbor agent supervisor ready!")
	log.Printf("  API: http://%s/api/v1", addr)
	log.Printf("  WebSocket: ws://%s/ws", addr)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := manager.Shutdown(ctx); err != nil {
		log.Printf("Worker shutdown incomplete: %v", err)
	}

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Println("Server stopped")
	return nil
}

func initializeArbor(projectPath string) error {
	absPath, err := filepath.Abs(projectPath)
	if err != nil {
		return err
	}

	// Create .arbor directory
	arborDir := filepath.Join(absPath, ".arbor")
	if err := os.MkdirAll(arborDir, 0755); err != nil {
		return fmt.Errorf("failed to create .arbor directory: %w", err)
	}

	// Create default config
	config := types.DefaultConfig()
	config.Store.Path = filepath.Join(absPath, "arbor.db")
	config.Crypto.IdentityPath = filepath.Join(arborDir, "arbor.key")

	configData, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	configPath := filepath.Join(absPath, "arbor.yaml")
	if err := os.WriteFile(configPath, configData, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Created config: %s\n", configPath)

	// Initialize crypto
	keyManager := crypto.NewKeyManager(config.Crypto.IdentityPath)
	if err := keyManager.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize crypto: %w", err)
	}
	fmt.Printf("Created identity: %s\n", config.Crypto.IdentityPath)
	fmt.Printf("Public key: %s\n", keyManager.PublicKey())

	// Initialize durable store
	db := store.NewStore(config.Store.Path)
	if err := db.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	db.Close()
	fmt.Printf("Created store: %s\n", config.Store.Path)

	fmt.Println("\nArbor initialization complete!")
	fmt.Println("Run 'arbord' to start the server.")

	return nil
}
