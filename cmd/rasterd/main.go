package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/caarlos0/env/v11"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/akhenakh/rasterd/geotiff"
	"github.com/akhenakh/rasterd/raster"
)

const appName = "rasterd"

var (
	grpcAPIServer     *grpc.Server
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpRestServer    *http.Server
	grpcMetrics       = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
		grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
	))
)

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel          string `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort          int    `env:"HTTP_PORT" envDefault:"8080"`
	APIPort           int    `env:"API_PORT" envDefault:"9200"`
	HealthPort        int    `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort   int    `env:"METRICS_PORT" envDefault:"8888"`
	RasterSource      string `env:"RASTER_SOURCE,required"`
	CacheMaxSize      int64  `env:"CACHE_MAX_SIZE" envDefault:"1024"`
	CacheItemsToPrune uint32 `env:"CACHE_ITEMS_TO_PRUNE" envDefault:"100"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	geo, err := openRaster(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize raster source, shutting down", "error", err)
		os.Exit(1)
	}

	registerEngineMetrics(geo.Stats())

	healthServer := health.NewServer()

	// gRPC Health Server
	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// gRPC API Server
	g.Go(func() error {
		return startGRPCAPIServer(logger, cfg, healthServer)
	})

	// HTTP REST Server
	g.Go(func() error {
		return startHTTPRestServer(logger, cfg, geo)
	})

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	// Graceful Shutdown
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpRestServer != nil {
		if err := httpRestServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP REST server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}
	if grpcAPIServer != nil {
		grpcAPIServer.GracefulStop()
	}

	// Wait for all services in the errgroup to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC Health server failed to listen: %w", err)
	}

	grpcHealthServer = grpc.NewServer()
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	prometheus.MustRegister(grpcMetrics)

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

// registerEngineMetrics exposes the decode engine counters to Prometheus.
func registerEngineMetrics(stats *raster.Stats) {
	prometheus.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "rasterd_tiles_decoded_total",
			Help: "Number of tiles decoded from the source.",
		}, func() float64 { return float64(stats.TilesDecoded.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "rasterd_tiles_synthesized_total",
			Help: "Number of unstored tiles synthesized from the fill value.",
		}, func() float64 { return float64(stats.TilesSynthesized.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "rasterd_tile_cache_hits_total",
			Help: "Number of tile reads served from the cache.",
		}, func() float64 { return float64(stats.CacheHits.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "rasterd_source_bytes_requested_total",
			Help: "Bytes requested from the underlying source.",
		}, func() float64 { return float64(stats.BytesRequested.Load()) }),
	)
}

func startGRPCAPIServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC API server failed to listen: %w", err)
	}

	lopts := []logging.Option{logging.WithLogOnEvents(logging.StartCall, logging.FinishCall)}
	grpcAPIServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(
				InterceptorLogger(logger),
				lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
	)

	healthpb.RegisterHealthServer(grpcAPIServer, healthServer)
	reflection.Register(grpcAPIServer) // Enable reflection for tools like grpcurl

	healthServer.SetServingStatus(appName, healthpb.HealthCheckResponse_SERVING)
	logger.Info("gRPC API server listening", "address", addr)
	return grpcAPIServer.Serve(lis)
}

func startHTTPRestServer(logger *slog.Logger, cfg Config, geo *geotiff.GeoTIFF) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	mux := http.NewServeMux()

	mux.HandleFunc("/getValue/", getValueHandler(geo))
	mux.HandleFunc("/getProfile/", getProfileHandler(geo))
	mux.HandleFunc("/getRegion", getRegionHandler(geo))
	mux.HandleFunc("/getBounds", getBoundsHandler(geo))

	httpRestServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP REST server listening", "address", addr)

	if err := httpRestServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP REST server failed: %w", err)
	}
	return nil
}

func getValueHandler(geo *geotiff.GeoTIFF) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/getValue/"), "/")
		if len(pathParts) != 2 {
			http.Error(w, "Invalid URL format", http.StatusBadRequest)
			return
		}
		lat, err := strconv.ParseFloat(pathParts[0], 64)
		if err != nil {
			http.Error(w, "Invalid latitude", http.StatusBadRequest)
			return
		}
		lng, err := strconv.ParseFloat(pathParts[1], 64)
		if err != nil {
			http.Error(w, "Invalid longitude", http.StatusBadRequest)
			return
		}
		value, err := geo.AtCoord(lng, lat)
		if err != nil {
			http.Error(w, fmt.Sprintf("Could not retrieve value: %v", err), http.StatusInternalServerError)
			return
		}
		response := map[string]interface{}{"latitude": lat, "longitude": lng, "value": value}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func getProfileHandler(geo *geotiff.GeoTIFF) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req [][]float64
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		profile, err := geo.Profile(req)
		if err != nil {
			http.Error(w, fmt.Sprintf("Could not generate profile: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(profile)
	}
}

// regionTile is the JSON view of one decoded tile.
type regionTile struct {
	X      int         `json:"x"`
	Y      int         `json:"y"`
	Width  int         `json:"width"`
	Height int         `json:"height"`
	Banks  [][]float64 `json:"banks"`
}

func getRegionHandler(geo *geotiff.GeoTIFF) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		intParam := func(name string, def int) (int, error) {
			s := q.Get(name)
			if s == "" {
				return def, nil
			}
			return strconv.Atoi(s)
		}

		var req raster.Request
		var err error
		if req.Region.X0, err = intParam("x0", 0); err != nil {
			http.Error(w, "Invalid x0", http.StatusBadRequest)
			return
		}
		if req.Region.Y0, err = intParam("y0", 0); err != nil {
			http.Error(w, "Invalid y0", http.StatusBadRequest)
			return
		}
		if req.Region.X1, err = intParam("x1", geo.Layout().ImageWidth()); err != nil {
			http.Error(w, "Invalid x1", http.StatusBadRequest)
			return
		}
		if req.Region.Y1, err = intParam("y1", geo.Layout().ImageHeight()); err != nil {
			http.Error(w, "Invalid y1", http.StatusBadRequest)
			return
		}
		if req.SubsampleX, err = intParam("sx", 1); err != nil {
			http.Error(w, "Invalid sx", http.StatusBadRequest)
			return
		}
		if req.SubsampleY, err = intParam("sy", 1); err != nil {
			http.Error(w, "Invalid sy", http.StatusBadRequest)
			return
		}
		if bands := q.Get("bands"); bands != "" {
			for _, s := range strings.Split(bands, ",") {
				b, err := strconv.Atoi(strings.TrimSpace(s))
				if err != nil {
					http.Error(w, "Invalid bands", http.StatusBadRequest)
					return
				}
				req.Bands = append(req.Bands, b)
			}
		}

		tiles, err := geo.ReadRegion(req)
		if err != nil {
			if errors.Is(err, raster.ErrInvalidRequest) {
				http.Error(w, fmt.Sprintf("Invalid region request: %v", err), http.StatusBadRequest)
				return
			}
			http.Error(w, fmt.Sprintf("Could not read region: %v", err), http.StatusInternalServerError)
			return
		}

		out := make([]regionTile, len(tiles))
		for i, t := range tiles {
			rt := regionTile{
				X:      t.OriginX,
				Y:      t.OriginY,
				Width:  t.Width,
				Height: t.Height,
				Banks:  make([][]float64, len(t.Banks)),
			}
			for b, bank := range t.Banks {
				vals := make([]float64, bank.Len())
				for j := range vals {
					vals[j] = bank.Float64(j)
				}
				rt.Banks[b] = vals
			}
			out[i] = rt
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func getBoundsHandler(geo *geotiff.GeoTIFF) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bounds, err := geo.Bounds()
		if err != nil {
			http.Error(w, fmt.Sprintf("Could not compute bounds: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(bounds)
	}
}

func openRaster(cfg Config, logger *slog.Logger) (*geotiff.GeoTIFF, error) {
	logger.Info("initializing raster source", "source", cfg.RasterSource)
	var reader geotiff.Reader
	if strings.HasPrefix(cfg.RasterSource, "http") {
		r, err := geotiff.NewHTTPRangeReader(cfg.RasterSource, nil) // Using default client
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP reader: %w", err)
		}
		reader = r
	} else {
		file, err := os.Open(cfg.RasterSource)
		if err != nil {
			return nil, fmt.Errorf("failed to open local file: %w", err)
		}
		reader = file
	}
	logger.Info("configuring tile cache", "max_size", cfg.CacheMaxSize, "items_to_prune", cfg.CacheItemsToPrune)
	return geotiff.Open(reader, cfg.CacheMaxSize, cfg.CacheItemsToPrune)
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
