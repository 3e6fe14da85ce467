package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/modelmux/modelmux/internal/orchestrator"
	"github.com/modelmux/modelmux/internal/strategy"
	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/logging"
	"github.com/modelmux/modelmux/pkg/metrics"
	"github.com/modelmux/modelmux/pkg/provider"
)

func main() {
	// .env is optional; real deployments set environment variables directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "modelmux",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	m := metrics.NewMetrics(metrics.DefaultConfig())

	transports, credentials := loadProviders()
	if len(transports) == 0 {
		// Local transport keeps the binary runnable without vendor keys.
		transports["local"] = &echoTransport{}
		credentials["local"] = []string{"local-dev"}
		logger.Warn("No provider credentials configured, registered local echo transport")
	}

	orch, err := orchestrator.New(cfg, orchestrator.Options{
		Transports:  transports,
		Credentials: credentials,
		Metrics:     m,
	})
	if err != nil {
		log.Fatalf("Failed to build orchestrator: %v", err)
	}
	orch.RotateObserver(func(providerName string, fromIndex, toIndex int, reason string) {
		logger.Warn("Credential rotated",
			"provider", providerName,
			"from_index", fromIndex,
			"to_index", toIndex,
			"reason", reason,
		)
	})

	router := setupRoutes(orch, m)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Starting orchestrator server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	logger.Info("Server exited")
}

func setupRoutes(orch *orchestrator.Orchestrator, m *metrics.Metrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		if !orch.Healthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, orch.Status())
	})

	router.GET("/metrics", m.Handler())

	router.POST("/v1/execute", func(c *gin.Context) {
		var body struct {
			Mode        string               `json:"mode"`
			Prompt      string               `json:"prompt"`
			Models      []provider.ModelSpec `json:"models"`
			Count       int                  `json:"count"`
			Temperature float64              `json:"temperature"`
			MaxTokens   int                  `json:"max_tokens"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := orch.Execute(c.Request.Context(), strategy.Mode(body.Mode), strategy.Request{
			Prompt:      body.Prompt,
			Models:      body.Models,
			Count:       body.Count,
			Temperature: body.Temperature,
			MaxTokens:   body.MaxTokens,
		})
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	return router
}

// loadProviders reads credential rings from MODELMUX_KEYS_<PROVIDER>
// environment variables (comma-separated). Transports for real vendors are
// registered by the embedding application; the binary only wires what the
// environment names.
func loadProviders() (map[string]provider.Transport, map[string][]string) {
	transports := make(map[string]provider.Transport)
	credentials := make(map[string][]string)

	const prefix = "MODELMUX_KEYS_"
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		providerName := strings.ToLower(strings.TrimPrefix(parts[0], prefix))
		var ring []string
		for _, key := range strings.Split(parts[1], ",") {
			if key = strings.TrimSpace(key); key != "" {
				ring = append(ring, key)
			}
		}
		if len(ring) == 0 {
			continue
		}
		transports[providerName] = &echoTransport{name: providerName}
		credentials[providerName] = ring
	}
	return transports, credentials
}

// echoTransport is a deterministic stand-in transport for local runs and
// smoke tests. It echoes the prompt back with fabricated usage numbers.
type echoTransport struct {
	name string
}

func (t *echoTransport) Name() string {
	if t.name == "" {
		return "local"
	}
	return t.name
}

func (t *echoTransport) Generate(ctx context.Context, req provider.GenerateRequest) (*provider.Completion, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return &provider.Completion{
		Content:      fmt.Sprintf("[%s/%s] %s", t.Name(), req.Model, req.Prompt),
		InputTokens:  len(strings.Fields(req.Prompt)),
		OutputTokens: len(strings.Fields(req.Prompt)) + 4,
		CostUSD:      0,
	}, nil
}
