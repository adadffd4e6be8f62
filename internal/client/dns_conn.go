// Package client implements the chat client's transport: a TX engine that
// sends msg queries in index order and a poll engine that issues cnt/get
// queries to drain the response and render the reply.
package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"

	"github.com/llmproxy/dnschat/internal/codec"
)

// PollInterval is the idle heartbeat between cnt polls while waiting on a
// generation in progress.
const PollInterval = 200 * time.Millisecond

// QueryTimeout and MaxRetries bound each query to one UDP round trip
// attempt per try, up to MaxRetries tries, before the transport gives up
// on that query.
const (
	QueryTimeout = 2 * time.Second
	MaxRetries   = 3
)

// Transport sends individual DNS queries against one resolver and domain
// suffix and decodes their TXT answers, the single primitive the TX and poll
// engines in Session are built from.
type Transport struct {
	Resolver *net.UDPAddr
	Suffix   string
	conn     *net.UDPConn
}

// NewTransport resolves resolverAddr (host:port) and opens a UDP socket.
func NewTransport(resolverAddr, suffix string) (*Transport, error) {
	raddr, err := net.ResolveUDPAddr("udp", resolverAddr)
	if err != nil {
		return nil, fmt.Errorf("client: resolve %q: %w", resolverAddr, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("client: open socket: %w", err)
	}
	return &Transport{Resolver: raddr, Suffix: strings.TrimSuffix(suffix, "."), conn: conn}, nil
}

// Close releases the underlying socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// query sends one TXT query for qname and returns the joined answer text.
// It makes up to MaxRetries attempts in total, retrying on timeout or
// send/read failure, before giving up.
func (t *Transport) query(ctx context.Context, qname string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		answer, err := t.queryOnce(qname)
		if err == nil {
			return answer, nil
		}
		lastErr = err
		log.Debug().Err(err).Str("qname", qname).Int("attempt", attempt+1).Msg("dns query failed, retrying")
	}
	return "", fmt.Errorf("client: query %q: %w", qname, lastErr)
}

func (t *Transport) queryOnce(qname string) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(qname), dns.TypeTXT)
	msg.Id = dns.Id()

	buf, err := msg.Pack()
	if err != nil {
		return "", fmt.Errorf("pack query: %w", err)
	}

	if _, err := t.conn.WriteToUDP(buf, t.Resolver); err != nil {
		return "", fmt.Errorf("send query: %w", err)
	}

	t.conn.SetReadDeadline(time.Now().Add(QueryTimeout))
	resp := make([]byte, 4096)
	for {
		n, _, err := t.conn.ReadFromUDP(resp)
		if err != nil {
			return "", fmt.Errorf("read response: %w", err)
		}
		reply := new(dns.Msg)
		if err := reply.Unpack(resp[:n]); err != nil {
			continue
		}
		if reply.Id != msg.Id {
			continue
		}
		return joinTXT(reply), nil
	}
}

func joinTXT(reply *dns.Msg) string {
	var out strings.Builder
	for _, rr := range reply.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out.WriteString(strings.Join(txt.Txt, ""))
		}
	}
	return out.String()
}

func (t *Transport) qname(parts ...string) string {
	parts = append(parts, t.Suffix)
	return strings.Join(parts, ".")
}

// Test sends the tst health probe and confirms the server answers "pong".
func (t *Transport) Test(ctx context.Context) error {
	answer, err := t.query(ctx, t.qname("tst"))
	if err != nil {
		return err
	}
	if answer != "pong" {
		return fmt.Errorf("client: unexpected tst answer %q", answer)
	}
	return nil
}

// SendTurn encrypts+compresses plaintext into one AEAD envelope, splits it
// into msg chunks, and sends each in index order (the TX engine). It does
// not wait for any response — polling for output is a separate phase.
func (t *Transport) SendTurn(ctx context.Context, sid string, envelope []byte) error {
	groups, err := codec.Split(envelope, codec.DefaultMaxLabelLen, codec.DefaultMaxLabelsPerQuery)
	if err != nil {
		return fmt.Errorf("client: split turn: %w", err)
	}

	total := len(groups)
	for idx, labels := range groups {
		qname := t.qname(append([]string{"msg", sid, strconv.Itoa(idx), strconv.Itoa(total)}, labels...)...)
		if _, err := t.query(ctx, qname); err != nil {
			return fmt.Errorf("client: send chunk %d/%d: %w", idx, total, err)
		}
	}
	return nil
}

// Clear sends the clr control query for sid.
func (t *Transport) Clear(ctx context.Context, sid string) error {
	_, err := t.query(ctx, t.qname("clr", sid))
	return err
}

// cntResult is the decoded form of a cnt answer ("<n>,<state>").
type cntResult struct {
	produced int
	state    string
}

func (t *Transport) count(ctx context.Context, sid string) (cntResult, error) {
	answer, err := t.query(ctx, t.qname("cnt", sid))
	if err != nil {
		return cntResult{}, err
	}
	parts := strings.SplitN(answer, ",", 2)
	if len(parts) != 2 {
		return cntResult{}, fmt.Errorf("client: malformed cnt answer %q", answer)
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return cntResult{}, fmt.Errorf("client: malformed cnt answer %q", answer)
	}
	return cntResult{produced: n, state: parts[1]}, nil
}

func (t *Transport) get(ctx context.Context, sid string, idx int) (string, error) {
	return t.query(ctx, t.qname("get", sid, strconv.Itoa(idx)))
}
