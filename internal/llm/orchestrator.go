package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/llmproxy/dnschat/internal/codec"
	"github.com/llmproxy/dnschat/internal/errs"
	"github.com/llmproxy/dnschat/internal/session"
	"github.com/llmproxy/dnschat/internal/wire"

	"github.com/rs/zerolog/log"
)

// flushUnitSize is the largest plaintext fragment that still encrypts and
// base64-encodes into one DNS TXT answer (≤255 octets) once the AEAD
// envelope overhead (1 version + 12 nonce + 16 tag = 29 bytes) and the
// one-byte compression header are accounted for, with a safety margin.
const flushUnitSize = 128

// clearCommand is the in-band control payload that resets a session's
// history and buffers without closing it.
const clearCommand = "/clear"

// maxToolRounds bounds how many times the orchestrator will execute a
// requested tool call and resume streaming before giving up and returning
// whatever content has accumulated.
const maxToolRounds = 4

// Searcher is the subset of tools.WebSearch the orchestrator depends on.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// Orchestrator drives the per-session LLM stream: decrypt request, call
// upstream, flush encrypted response chunks as they arrive, handle tool
// calls, and transition the session to complete or error.
type Orchestrator struct {
	Store   *session.Store
	Key     [32]byte
	Client  *Client
	Search  Searcher
	Limiter *rate.Limiter
}

// NewOrchestrator builds an Orchestrator. search may be nil when no
// PERPLEXITY_API_KEY is configured, in which case the web_search tool is
// never advertised.
func NewOrchestrator(store *session.Store, key [32]byte, client *Client, search Searcher) *Orchestrator {
	return &Orchestrator{
		Store:   store,
		Key:     key,
		Client:  client,
		Search:  search,
		Limiter: rate.NewLimiter(rate.Every(time.Second), 4),
	}
}

// Dispatch implements wire.Dispatcher: it spawns a goroutine per turn so a
// slow generation never blocks the DNS responder.
func (o *Orchestrator) Dispatch(sid string, assembled []byte) {
	go o.Run(sid, assembled)
}

var _ wire.Dispatcher = (*Orchestrator)(nil)

// Run drives one inbound turn end to end: decrypt, decompress, handle
// control commands, converse with the upstream model, flush the reply.
func (o *Orchestrator) Run(sid string, assembled []byte) {
	sess, found := o.Store.Get(sid)
	if !found {
		log.Warn().Str("sid", sid).Err(errs.ErrSessionNotFound).Msg("dispatch for unknown session")
		return
	}

	// Step 1: decrypt and decompress.
	envelope, err := codec.Open(o.Key, assembled)
	if err != nil {
		o.fail(sess, sid, errs.ErrDecrypt)
		return
	}
	plaintext, err := codec.Decompress(envelope)
	if err != nil {
		o.fail(sess, sid, errs.ErrDecrypt)
		return
	}
	text := string(plaintext)

	// Step 2: in-band control payload.
	if strings.TrimSpace(text) == clearCommand {
		sess.Clear()
		o.flush(sess, []byte("OK"))
		o.flushEOF(sess)
		sess.MarkComplete()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	if !sess.BeginGeneration(cancel) {
		// Another generation is already active for this sid; drop the
		// duplicate dispatch rather than race two streams over one buffer.
		cancel()
		return
	}
	defer cancel()

	sess.AppendHistory(session.Message{Role: session.RoleUser, Text: text})

	fullText, err := o.converse(ctx, sess)
	if err != nil {
		if err == errs.ErrCancelled {
			return
		}
		o.fail(sess, sid, err)
		return
	}

	o.flushEOF(sess)
	sess.Complete(fullText)
}

// converse runs the streaming loop, including any tool-call rounds, and
// returns the full assistant text produced. It flushes encrypted chunks to
// the outbound buffer as the rolling plaintext buffer fills.
func (o *Orchestrator) converse(ctx context.Context, sess *session.Session) (string, error) {
	var full strings.Builder
	var pending strings.Builder

	for round := 0; round < maxToolRounds; round++ {
		if err := o.Limiter.Wait(ctx); err != nil {
			return "", errs.ErrCancelled
		}

		deltas, err := o.streamOnce(ctx, sess.History())
		if err != nil {
			return "", err
		}

		toolCalls := map[string]*pendingToolCall{}
		var order []string
		sawToolCall := false

		for d := range deltas {
			select {
			case <-ctx.Done():
				return "", errs.ErrCancelled
			default:
			}

			if d.Content != "" {
				full.WriteString(d.Content)
				pending.WriteString(d.Content)
				for pending.Len() >= flushUnitSize {
					unit := pending.String()[:flushUnitSize]
					rest := pending.String()[flushUnitSize:]
					pending.Reset()
					pending.WriteString(rest)
					o.flush(sess, []byte(unit))
				}
			}
			if d.ToolCall != nil {
				sawToolCall = true
				id := d.ToolCall.ID
				if id == "" && len(order) > 0 {
					id = order[len(order)-1]
				}
				tc, ok := toolCalls[id]
				if !ok {
					tc = &pendingToolCall{}
					toolCalls[id] = tc
					order = append(order, id)
				}
				if d.ToolCall.Function.Name != "" {
					tc.name = d.ToolCall.Function.Name
				}
				tc.args.WriteString(d.ToolCall.Function.Arguments)
			}
		}

		if !sawToolCall {
			break
		}

		for _, id := range order {
			tc := toolCalls[id]
			result, err := o.runTool(ctx, tc)
			if err != nil {
				sess.AppendHistory(session.Message{Role: session.RoleTool, Text: "error: " + err.Error()})
				continue
			}
			sess.AppendHistory(session.Message{Role: session.RoleTool, Text: result})
		}
	}

	if pending.Len() > 0 {
		o.flush(sess, []byte(pending.String()))
	}

	return full.String(), nil
}

type pendingToolCall struct {
	name string
	args strings.Builder
}

func (o *Orchestrator) runTool(ctx context.Context, tc *pendingToolCall) (string, error) {
	if o.Search == nil || tc.name != "web_search" {
		return "", errs.ErrToolFailed
	}
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(tc.args.String()), &args); err != nil {
		return "", err
	}
	return o.Search.Search(ctx, args.Query)
}

// streamOnce retries the transport call once with a fixed backoff before
// converting a persistent failure to ErrUpstreamFatal.
func (o *Orchestrator) streamOnce(ctx context.Context, history []session.Message) (<-chan Delta, error) {
	enableToolCall := o.Search != nil

	deltas, err := o.Client.StreamChat(ctx, history, enableToolCall)
	if err == nil {
		return deltas, nil
	}

	transient := &errs.Transient{Err: err}
	log.Warn().Err(transient).Msg("upstream LLM call failed, retrying once")
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return nil, errs.ErrCancelled
	}

	deltas, err = o.Client.StreamChat(ctx, history, enableToolCall)
	if err != nil {
		log.Error().Err(err).Msg("upstream LLM call failed after retry, giving up")
		return nil, errs.ErrUpstreamFatal
	}
	return deltas, nil
}

func (o *Orchestrator) flush(sess *session.Session, plaintext []byte) {
	envelope, err := codec.Seal(o.Key, codec.Compress(plaintext))
	if err != nil {
		log.Error().Err(err).Msg("seal outbound chunk")
		return
	}
	sess.AppendOutbound(envelope)
}

func (o *Orchestrator) flushEOF(sess *session.Session) {
	o.flush(sess, []byte(wire.EOFSentinel))
}

func (o *Orchestrator) fail(sess *session.Session, sid string, cause error) {
	log.Error().Str("sid", sid).Err(cause).Msg("turn failed")
	o.flush(sess, []byte("error: "+cause.Error()))
	o.flushEOF(sess)
	sess.Fail(cause)
}
