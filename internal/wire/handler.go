package wire

import (
	"errors"
	"net"
	"strconv"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"

	"github.com/llmproxy/dnschat/internal/codec"
	"github.com/llmproxy/dnschat/internal/errs"
	"github.com/llmproxy/dnschat/internal/session"
)

// EOFSentinel is the distinguished plaintext marker the orchestrator
// appends as the final outbound chunk; the client stops polling on seeing
// it decrypt to this value.
const EOFSentinel = "\x00EOF\x00"

// pastEndSentinel is what a get query past the end of production returns.
const pastEndSentinel = "END"

// MaxOutboundChunk bounds response size for the amplification defense: a
// TXT answer never carries more than this many octets.
const MaxOutboundChunk = 255

// Dispatcher is implemented by the LLM orchestrator: once a session's
// inbound buffer reassembles a complete message, the handler hands it off
// here instead of blocking the DNS response on an upstream LLM call.
type Dispatcher interface {
	Dispatch(sid string, assembled []byte)
}

// Handler answers msg/get/cnt/clr/tst queries against one Store: suffix
// match, a single dns.HandlerFunc, synthetic TTL=0 answers.
type Handler struct {
	Store        *session.Store
	SuffixLabels []string
	Dispatcher   Dispatcher
}

// NewHandler splits suffix into labels once at construction.
func NewHandler(store *session.Store, suffix string, dispatcher Dispatcher) *Handler {
	return &Handler{
		Store:        store,
		SuffixLabels: dns.SplitDomainName(dns.Fqdn(suffix)),
		Dispatcher:   dispatcher,
	}
}

// ServeDNS implements dns.Handler.
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	h.HandleDNS(w, r)
}

// HandleDNS is the handler's query-dispatch entry point.
func (h *Handler) HandleDNS(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		return
	}
	q := r.Question[0]

	cmd, err := ParseCommand(q.Name, h.SuffixLabels)
	if err != nil {
		reply := new(dns.Msg)
		reply.SetReply(r)
		switch {
		case errors.Is(err, ErrSuffixMismatch):
			reply.SetRcode(r, dns.RcodeRefused)
		default:
			reply.SetRcode(r, dns.RcodeNameError)
		}
		w.WriteMsg(reply)
		return
	}

	reply := new(dns.Msg)
	reply.SetReply(r)
	reply.Authoritative = true
	reply.Compress = true

	switch c := cmd.(type) {
	case TstCmd:
		h.answerTXT(reply, q.Name, "pong")

	case MsgCmd:
		h.handleMsg(reply, q, c)

	case GetCmd:
		h.handleGet(reply, q, c)

	case CntCmd:
		h.handleCnt(reply, q, c)

	case ClrCmd:
		h.handleClr(reply, q, c)
	}

	w.WriteMsg(reply)
}

func (h *Handler) handleMsg(reply *dns.Msg, q dns.Question, c MsgCmd) {
	sess := h.Store.Touch(c.SID)

	outcome, assembled := sess.RecordInbound(c.Idx, c.Total, c.Payload)

	log.Debug().Str("sid", c.SID).Int("idx", c.Idx).Int("total", c.Total).
		Str("outcome", outcomeName(outcome)).Msg("msg chunk received")

	switch outcome {
	case session.Conflict:
		// Still ACK the wire-level delivery; the session itself is now
		// poisoned and the next status/cnt query will surface the error.
	case session.Complete:
		if h.Dispatcher != nil {
			h.Dispatcher.Dispatch(c.SID, assembled)
		}
	}

	h.ack(reply, q)
}

func (h *Handler) handleGet(reply *dns.Msg, q dns.Question, c GetCmd) {
	sess, found := h.Store.Get(c.SID)
	if !found {
		log.Debug().Str("sid", c.SID).Err(errs.ErrSessionNotFound).Msg("get for unknown session")
		h.answerTXT(reply, q.Name, "")
		return
	}
	sess.Touch()

	outcome, data := sess.ReadOutbound(c.Idx)
	switch outcome {
	case session.Available:
		h.answerTXT(reply, q.Name, codec.EncodeChunk(data))
	case session.PastEnd:
		h.answerTXT(reply, q.Name, pastEndSentinel)
	default:
		h.answerTXT(reply, q.Name, "")
	}
}

func (h *Handler) handleCnt(reply *dns.Msg, q dns.Question, c CntCmd) {
	sess, found := h.Store.Get(c.SID)
	if !found {
		log.Debug().Str("sid", c.SID).Err(errs.ErrSessionNotFound).Msg("cnt for unknown session")
		h.answerTXT(reply, q.Name, "0,g")
		return
	}
	sess.Touch()

	produced, state := sess.Status()
	h.answerTXT(reply, q.Name, strconv.Itoa(produced)+","+state.Short())
}

func (h *Handler) handleClr(reply *dns.Msg, q dns.Question, c ClrCmd) {
	sess := h.Store.Touch(c.SID)
	sess.Cancel()
	sess.Clear()
	h.ack(reply, q)
}

// ack answers a msg/clr query with "query accepted, no payload to return":
// a TXT "ok" for a TXT query, a synthetic A record 0.0.0.0 otherwise.
func (h *Handler) ack(reply *dns.Msg, q dns.Question) {
	switch q.Qtype {
	case dns.TypeTXT:
		h.answerTXT(reply, q.Name, "ok")
	default:
		reply.Answer = append(reply.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 0},
			A:   ackAddr,
		})
	}
}

func (h *Handler) answerTXT(reply *dns.Msg, name, value string) {
	if len(value) > MaxOutboundChunk {
		value = value[:MaxOutboundChunk]
	}
	reply.Answer = append(reply.Answer, &dns.TXT{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 0},
		Txt: []string{value},
	})
}

var ackAddr = net.IPv4(0, 0, 0, 0)

func outcomeName(o session.ReassemblyOutcome) string {
	switch o {
	case session.Pending:
		return "pending"
	case session.Complete:
		return "complete"
	case session.Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}
