package server

import (
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"channelwatch/aggregator/internal/cache"
	"channelwatch/aggregator/internal/config"
	"channelwatch/aggregator/internal/database"
	"channelwatch/aggregator/internal/ranking"
	"channelwatch/aggregator/internal/search"
	"channelwatch/aggregator/internal/server/api"
	"channelwatch/aggregator/internal/server/storage"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// apiKeyMiddleware checks for the X-API-Key header and validates it against
// the provided key. An empty key allows all requests.
func apiKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			reqApiKey := r.Header.Get("X-API-Key")
			if reqApiKey == "" {
				http.Error(w, "API key required", http.StatusUnauthorized)
				return
			}

			if reqApiKey != apiKey {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RunServer starts the read-only HTTP API with graceful shutdown support.
// It wires the search engine and its result cache, sets up routes and
// middleware, and handles OS signals for clean termination.
func RunServer(db *database.DB, cfg *config.Config, logger zerolog.Logger) error {
	logger = logger.With().Str("service", "search-api-readonly").Logger()

	engine := search.NewEngine(db, ranking.Weights(cfg.Ranking.ReactionWeights), cfg.Collector.Window())
	results := cache.New[*search.ResultPage](cfg.Cache.ParseTTL(), cfg.Cache.MaxEntries)
	searchHandler := api.NewSearchHandler(engine, results)

	postRepo := storage.NewRepository(db)
	postsHandler := api.NewPostsHandler(postRepo)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/search", searchHandler.Search)
	mux.HandleFunc("GET /v1/posts", postsHandler.GetPosts)
	mux.HandleFunc("GET /v1/channels", exportChannelsHandler(db))
	mux.HandleFunc("GET /health", healthCheckHandler(db))

	// Middleware chain for logging and request tracking.
	h := hlog.NewHandler(logger)(mux)
	h = hlog.MethodHandler("method")(h)
	h = hlog.URLHandler("url")(h)
	h = hlog.RemoteAddrHandler("remote_addr")(h)
	h = hlog.UserAgentHandler("user_agent")(h)
	h = hlog.RequestIDHandler("req_id", "Request-Id")(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		idReq, _ := hlog.IDFromRequest(r)

		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Str("req_id", idReq.String()).
			Msg("HTTP Request")
	})(h)

	if cfg.Server.APIKey != "" {
		h = apiKeyMiddleware(cfg.Server.APIKey)(h)
		logger.Info().Msg("API key authentication enabled")
	} else {
		logger.Info().Msg("API key authentication disabled")
	}

	listenAddr := cfg.Server.ListenAddr()
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("address", listenAddr).Msg("API Server starting")
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		logger.Fatal().Err(err).Msg("Server failed to start")

	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
			if err := httpServer.Close(); err != nil {
				logger.Error().Err(err).Msg("HTTP server force close error")
			}
		} else {
			logger.Info().Msg("HTTP server shutdown complete.")
		}
		if err := <-serverErr; err != nil {
			logger.Error().Err(err).Msg("ListenAndServe error during shutdown")
		}
	}

	logger.Info().Msg("Server exiting.")
	return nil
}

// healthCheckHandler responds to health check requests, verifying that the
// database is reachable before reporting OK.
func healthCheckHandler(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := hlog.FromRequest(r)
		log.Debug().Msg("Health check request received")

		if err := db.PingContext(r.Context()); err != nil {
			log.Error().Err(err).Msg("Health check database ping failed")
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("Error writing health check response")
		}
	}
}

// exportChannelsHandler returns a handler that exports all tracked channels
// as a CSV file, including collection health and cursor position.
func exportChannelsHandler(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := hlog.FromRequest(r)
		log.Debug().Msg("Export channels request received")

		rows, err := db.QueryContext(r.Context(), `
			SELECT ref, title, subscriber_count, health, cursor, consecutive_errors
			FROM channels
			ORDER BY id ASC
		`)
		if err != nil {
			log.Error().Err(err).Msg("Failed to query channels")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		defer rows.Close()

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=channels.csv")

		csvWriter := csv.NewWriter(w)

		header := []string{"ref", "title", "subscriber_count", "health", "cursor", "consecutive_errors"}
		if err := csvWriter.Write(header); err != nil {
			log.Error().Err(err).Msg("Failed to write CSV header")
			http.Error(w, "Error generating CSV", http.StatusInternalServerError)
			return
		}

		var count int
		for rows.Next() {
			var ref, title, health string
			var subscriberCount, cursor int64
			var consecutiveErrors int

			if err := rows.Scan(&ref, &title, &subscriberCount, &health, &cursor, &consecutiveErrors); err != nil {
				log.Error().Err(err).Msg("Failed to scan channel row")
				continue
			}

			record := []string{
				ref,
				title,
				strconv.FormatInt(subscriberCount, 10),
				health,
				strconv.FormatInt(cursor, 10),
				strconv.Itoa(consecutiveErrors),
			}

			if err := csvWriter.Write(record); err != nil {
				log.Error().Err(err).Msg("Failed to write CSV record")
				http.Error(w, "Error generating CSV", http.StatusInternalServerError)
				return
			}

			count++
		}

		if err := rows.Err(); err != nil {
			log.Error().Err(err).Msg("Error iterating channel rows")
			http.Error(w, "Error reading channels", http.StatusInternalServerError)
			return
		}

		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Error().Err(err).Msg("Error flushing CSV data")
			return
		}

		log.Info().Int("channel_count", count).Msg("Exported channels as CSV")
	}
}
