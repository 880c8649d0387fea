// Package main is a command-line client for the generative-AI proxy. It loads
// configuration, runs one operation (or a health check) through the resilient
// client, and prints the result as JSON.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	aiproxy "github.com/JohnPlummer/jp-go-aiproxy"
	"github.com/JohnPlummer/jp-go-aiproxy/config"
	"github.com/JohnPlummer/jp-go-aiproxy/logging"
)

type flags struct {
	configPath  string
	op          string
	prompt      string
	target      string
	source      string
	model       string
	imagePath   string
	metricsAddr string
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to configuration file (default: environment only)")
	flag.StringVar(&f.op, "op", aiproxy.OpHealth.String(), "operation to run: "+operationList())
	flag.StringVar(&f.prompt, "prompt", "", "prompt, query or text to send")
	flag.StringVar(&f.target, "target", "", "target language for translate")
	flag.StringVar(&f.source, "source", "", "source language for translate")
	flag.StringVar(&f.model, "model", "", "model override")
	flag.StringVar(&f.imagePath, "image", "", "image file for analyze-image")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags, out io.Writer) error {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Development: cfg.DevMode,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	primary, fallback, err := cfg.Transports()
	if err != nil {
		return err
	}

	opts := append(cfg.ClientOptions(), aiproxy.WithLogger(logger))
	if fallback != nil {
		opts = append(opts, aiproxy.WithFallback(fallback))
	}

	metricsAddr := f.metricsAddr
	if metricsAddr == "" && cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.Addr
	}
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, aiproxy.WithMetrics(aiproxy.NewPrometheusMetrics(reg)))

		shutdown := serveMetrics(metricsAddr, cfg.Metrics.Path, reg, logger)
		defer shutdown()
	}

	client, err := aiproxy.New(primary, opts...)
	if err != nil {
		return err
	}

	logger.Debug("client configured",
		"operation", f.op,
		"dev_mode", cfg.DevMode,
		"fallback", fallback != nil,
		"max_retries", cfg.Retry.Retries(),
		"breaker_threshold", cfg.CircuitBreaker.Threshold)

	result, err := execute(ctx, client, f)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}

func execute(ctx context.Context, client *aiproxy.Client, f flags) (any, error) {
	switch aiproxy.Operation(f.op) {
	case aiproxy.OpHealth:
		status := client.Health(ctx)
		if !status.Healthy {
			if status.ProxyError != "" {
				return nil, errors.New(status.ProxyError)
			}
			return nil, fmt.Errorf("circuit breaker is %s", status.State)
		}
		return status, nil
	case aiproxy.OpGenerateImage:
		return client.GenerateImage(ctx, aiproxy.ImageRequest{Prompt: f.prompt, Model: f.model})
	case aiproxy.OpGroundedSearch:
		return client.GroundedSearch(ctx, aiproxy.SearchRequest{Query: f.prompt, Model: f.model})
	case aiproxy.OpGenerateDocumentation:
		return client.GenerateDocumentation(ctx, aiproxy.DocumentationRequest{Prompt: f.prompt, Model: f.model})
	case aiproxy.OpTranslate:
		return client.TranslateText(ctx, aiproxy.TranslateRequest{
			Text:           f.prompt,
			TargetLanguage: f.target,
			SourceLanguage: f.source,
			Model:          f.model,
		})
	case aiproxy.OpGenerateText:
		return client.GenerateText(ctx, aiproxy.TextRequest{Prompt: f.prompt, Model: f.model})
	case aiproxy.OpStreamText:
		result, err := client.StreamText(ctx, aiproxy.TextRequest{Prompt: f.prompt, Model: f.model},
			func(chunk string) error {
				_, err := fmt.Fprint(os.Stderr, chunk)
				return err
			})
		fmt.Fprintln(os.Stderr)
		return result, err
	case aiproxy.OpAnalyzeImage:
		image, err := readImage(f.imagePath)
		if err != nil {
			return nil, err
		}
		return client.AnalyzeImage(ctx, aiproxy.AnalyzeImageRequest{Prompt: f.prompt, Image: image, Model: f.model})
	case aiproxy.OpSummarizeConversation:
		return client.SummarizeConversation(ctx, aiproxy.SummarizeRequest{
			Model:   f.model,
			History: []aiproxy.Message{{Role: aiproxy.RoleUser, Content: f.prompt}},
		})
	default:
		return nil, fmt.Errorf("unknown operation %q (want one of %s)", f.op, operationList())
	}
}

func readImage(path string) (aiproxy.ImageData, error) {
	if path == "" {
		return aiproxy.ImageData{}, errors.New("-image is required for analyze-image")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return aiproxy.ImageData{}, fmt.Errorf("reading image: %w", err)
	}
	return aiproxy.ImageData{
		Base64Data: base64.StdEncoding.EncodeToString(data),
		MimeType:   http.DetectContentType(data),
	}, nil
}

func serveMetrics(addr, path string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", "addr", addr, "path", path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
}

func operationList() string {
	names := []string{aiproxy.OpHealth.String()}
	for _, op := range aiproxy.Operations() {
		names = append(names, op.String())
	}
	return strings.Join(names, ", ")
}
