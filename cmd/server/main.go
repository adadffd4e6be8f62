package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/llmproxy/dnschat/internal/config"
	"github.com/llmproxy/dnschat/internal/llm"
	"github.com/llmproxy/dnschat/internal/session"
	"github.com/llmproxy/dnschat/internal/tools"
	"github.com/llmproxy/dnschat/internal/wire"
)

func main() {
	suffix := flag.String("suffix", "", "Authoritative answer suffix, e.g. chat.example.com (falls back to LLM_DNS_SUFFIX)")
	host := flag.String("host", "", "UDP bind address (default: all interfaces)")
	port := flag.Int("port", 5353, "UDP bind port")
	idleTimeout := flag.Duration("idle-timeout", session.DefaultIdleTimeout, "Session idle eviction timeout")
	logLevel := flag.String("log-level", "info", "Log level: debug/info/warn/error")
	memoryLimit := flag.Int("memory-limit", 256, "Memory limit in MB")
	genKey := flag.Bool("generate-key", false, "Print a fresh LLM_PROXY_KEY and exit")

	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch *logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		log.Fatal().Str("level", *logLevel).Msg("invalid log level")
	}

	debug.SetMemoryLimit(int64(*memoryLimit) * 1024 * 1024)

	if *genKey {
		encoded, err := config.GenerateKey()
		if err != nil {
			log.Fatal().Err(err).Msg("generate key")
		}
		fmt.Println(encoded)
		os.Exit(0)
	}

	resolvedSuffix := *suffix
	if resolvedSuffix == "" {
		resolvedSuffix = os.Getenv("LLM_DNS_SUFFIX")
	}
	if resolvedSuffix == "" {
		log.Fatal().Msg("--suffix or LLM_DNS_SUFFIX is required")
	}

	key, err := config.LoadOrGenerateServerKey()
	if err != nil {
		log.Fatal().Err(err).Msg("load server key")
	}

	cfg := &config.Config{
		Suffix:           resolvedSuffix,
		Key:              key,
		Host:             *host,
		Port:             *port,
		IdleTimeout:      *idleTimeout,
		OpenAIBaseURL:    config.EnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      config.EnvOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		PerplexityAPIKey: os.Getenv("PERPLEXITY_API_KEY"),
	}

	if cfg.OpenAIAPIKey == "" {
		log.Fatal().Msg("OPENAI_API_KEY is required")
	}

	store := session.NewStore(cfg.IdleTimeout)
	client := llm.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel)

	// NewWebSearch returns a typed nil when no key is configured; only
	// promote it to the Searcher interface when it's a real instance, or the
	// orchestrator's nil check would see a non-nil typed-nil interface value
	// and panic on first use.
	var searcher llm.Searcher
	if ws := tools.NewWebSearch(cfg.PerplexityAPIKey); ws != nil {
		searcher = ws
		log.Info().Msg("web_search tool enabled")
	}

	orchestrator := llm.NewOrchestrator(store, cfg.Key, client, searcher)
	handler := wire.NewHandler(store, cfg.Suffix, orchestrator)

	dnsAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dnsServer := &dns.Server{
		Addr:    dnsAddr,
		Net:     "udp",
		Handler: dns.HandlerFunc(handler.HandleDNS),
	}

	log.Info().Str("addr", dnsAddr).Str("suffix", cfg.Suffix).Str("model", cfg.OpenAIModel).Msg("starting DNS chat server")
	if err := dnsServer.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("DNS server failed")
	}
}
