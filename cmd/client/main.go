package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/llmproxy/dnschat/internal/client"
	"github.com/llmproxy/dnschat/internal/config"
	"github.com/llmproxy/dnschat/internal/errs"
)

// Exit codes for the CLI surface.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitTransportError = 2
	exitDecryptError   = 3
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfigError)
	}

	switch os.Args[1] {
	case "chat":
		os.Exit(runChat(os.Args[2:]))
	case "test-connection":
		os.Exit(runTestConnection(os.Args[2:]))
	default:
		usage()
		os.Exit(exitConfigError)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dnschat-client {chat|test-connection} [flags]")
}

func setupLogging(verbose bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
}

func resolveSuffix(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("LLM_DNS_SUFFIX")
}

func resolveKey() ([32]byte, bool) {
	raw := os.Getenv("LLM_PROXY_KEY")
	if raw == "" {
		fmt.Fprintln(os.Stderr, "LLM_PROXY_KEY is required")
		return [32]byte{}, false
	}
	key, err := config.ParseKey(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid LLM_PROXY_KEY: %v\n", err)
		return [32]byte{}, false
	}
	return key, true
}

func runChat(args []string) int {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	server := fs.String("server", "127.0.0.1", "DNS server host")
	port := fs.Int("port", 53, "DNS server port")
	suffix := fs.String("suffix", "", "Answer suffix the server is authoritative for (falls back to LLM_DNS_SUFFIX)")
	message := fs.String("m", "", "One-shot message; if empty, reads an interactive loop from stdin")
	sid := fs.String("sid", "", "Resume an existing session id instead of minting a new one")
	verbose := fs.Bool("v", false, "Verbose logging")

	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}
	setupLogging(*verbose)

	resolvedSuffix := resolveSuffix(*suffix)
	if resolvedSuffix == "" {
		fmt.Fprintln(os.Stderr, "--suffix or LLM_DNS_SUFFIX is required")
		return exitConfigError
	}
	key, ok := resolveKey()
	if !ok {
		return exitConfigError
	}

	transport, err := client.NewTransport(fmt.Sprintf("%s:%d", *server, *port), resolvedSuffix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return exitTransportError
	}
	defer transport.Close()

	sess := client.NewSession(transport, key, *sid)
	log.Debug().Str("sid", sess.SID).Msg("session established")

	if *message != "" {
		return sendOneTurn(sess, *message)
	}
	return runInteractive(sess)
}

func sendOneTurn(sess *client.Session, text string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fragments, err := sess.Ask(ctx, text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		return exitTransportError
	}

	for f := range fragments {
		if f.Err != nil {
			switch {
			case f.Err == errs.ErrDecrypt:
				fmt.Fprintln(os.Stderr, "decrypt failed: wrong key or corrupted response")
				return exitDecryptError
			case f.Err == errs.ErrTimeout:
				fmt.Fprintln(os.Stderr, "turn timed out waiting for a reply")
				return exitTransportError
			default:
				fmt.Fprintf(os.Stderr, "transport: %v\n", f.Err)
				return exitTransportError
			}
		}
		if f.Done {
			break
		}
		fmt.Print(f.Text)
	}
	fmt.Println()
	return exitOK
}

func runInteractive(sess *client.Session) int {
	var line string
	for {
		fmt.Print("> ")
		if _, err := fmt.Scanln(&line); err != nil {
			return exitOK
		}
		if line == "/quit" {
			return exitOK
		}
		if line == "/clear" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := sess.Clear(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "clear: %v\n", err)
			}
			cancel()
			continue
		}
		if code := sendOneTurn(sess, line); code != exitOK {
			return code
		}
	}
}

func runTestConnection(args []string) int {
	fs := flag.NewFlagSet("test-connection", flag.ContinueOnError)
	server := fs.String("server", "127.0.0.1", "DNS server host")
	port := fs.Int("port", 53, "DNS server port")
	suffix := fs.String("suffix", "", "Answer suffix the server is authoritative for (falls back to LLM_DNS_SUFFIX)")
	verbose := fs.Bool("v", false, "Verbose logging")

	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}
	setupLogging(*verbose)

	resolvedSuffix := resolveSuffix(*suffix)
	if resolvedSuffix == "" {
		fmt.Fprintln(os.Stderr, "--suffix or LLM_DNS_SUFFIX is required")
		return exitConfigError
	}

	transport, err := client.NewTransport(fmt.Sprintf("%s:%d", *server, *port), resolvedSuffix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return exitTransportError
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := transport.Test(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "test-connection: %v\n", err)
		return exitTransportError
	}

	fmt.Println("ok")
	return exitOK
}
