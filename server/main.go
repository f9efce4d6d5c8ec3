// compel-promptd is the local prompt renderer. The agent never draws UI; it
// posts prompt and indicator requests here, and this daemon drives the
// platform's dialog tooling and reports the user's choice back.
package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/haasonsaas/compel/pkg/telemetry"
)

var (
	listen  = flag.String("listen", "127.0.0.1:8712", "Listen address (keep loopback-only)")
	Version = "dev"
)

func main() {
	flag.Parse()
	configureLogger()
	log.Info().Str("version", Version).Msg("compel-promptd starting")

	ctx := context.Background()
	provider, err := telemetry.Setup(ctx, "compel-promptd", Version,
		os.Getenv("COMPEL_OTLP_ENDPOINT"), false, false, 1)
	if err != nil {
		log.Fatal().Err(err).Msg("Tracing setup failed")
	}
	defer provider.Shutdown(ctx)

	srv := &Server{renderer: newRenderer()}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(withRequestContext(log.Logger))

	r.POST("/v1/prompt", srv.handlePrompt)
	r.POST("/v1/indicator", srv.handleShowIndicator)
	r.DELETE("/v1/indicator", srv.handleClearIndicator)
	r.POST("/v1/notify", srv.handleNotify)
	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy", "version": Version})
	})

	log.Info().Str("listen", *listen).Msg("Listening")
	if err := r.Run(*listen); err != nil {
		log.Fatal().Err(err).Msg("Server exited")
	}
}

func configureLogger() {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("COMPEL_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	if strings.EqualFold(os.Getenv("COMPEL_LOG_FORMAT"), "json") {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	} else {
		writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(writer).With().Timestamp().Logger().Level(level)
	}
	zerolog.SetGlobalLevel(level)
}
