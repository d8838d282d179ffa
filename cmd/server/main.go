package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tiletalk.app/tiletalk/internal/api"
	"tiletalk.app/tiletalk/internal/auth"
	"tiletalk.app/tiletalk/internal/config"
	"tiletalk.app/tiletalk/internal/core"
	"tiletalk.app/tiletalk/internal/store"
)

func main() {
	// Load configuration
	config.LoadConfig()

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if config.AppConfig.Debug() {
		log.Println("Service starting in DEBUG mode")
	}

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	// Preview generation falls back to message snippets without a Gemini key
	var previewer core.Previewer
	if config.AppConfig.GeminiAPIKey != "" {
		previewService, err := core.NewPreviewService(context.Background(), config.AppConfig.GeminiAPIKey)
		if err != nil {
			log.Fatalf("Failed to initialize preview service: %v", err)
		}
		defer previewService.Close()
		previewer = previewService
	} else {
		log.Println("GEMINI_API_KEY not set, tile previews will use message snippets")
	}

	// Initialize services
	chatService := core.NewChatService(dbStore, previewer)
	authService := auth.NewService(dbStore, config.AppConfig.JWTSecret, config.AppConfig.SessionTTL)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(authService, dbStore, chatService, api.Options{
		UndoWindow: config.AppConfig.UndoWindow,
		AuthRPS:    float64(config.AppConfig.AuthRPS),
		AuthBurst:  config.AppConfig.AuthBurst,
	})
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)

	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	// Let pending preview writes land before the store closes
	chatService.Wait()
	log.Println("Server exiting gracefully")
}
