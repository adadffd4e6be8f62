// Package wire implements the authoritative DNS responder: query name
// parsing into a typed Command and synthesis of the matching response.
// It never forwards to an upstream resolver.
package wire

import (
	"errors"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/llmproxy/dnschat/internal/codec"
	"github.com/llmproxy/dnschat/internal/errs"
)

// Command is a tagged variant in place of dynamic dispatch on the query's
// leftmost label: a single parse site (ParseCommand) produces one of
// these, and HandleDNS switches on it once.
type Command interface{ isCommand() }

// MsgCmd carries one inbound request chunk.
type MsgCmd struct {
	SID     string
	Idx     int
	Total   int
	Payload []byte
}

// GetCmd polls for one outbound response chunk.
type GetCmd struct {
	SID string
	Idx int
}

// CntCmd polls the produced-chunk count and terminal state.
type CntCmd struct{ SID string }

// ClrCmd resets a session's history and buffers.
type ClrCmd struct{ SID string }

// TstCmd is the health probe.
type TstCmd struct{}

func (MsgCmd) isCommand() {}
func (GetCmd) isCommand() {}
func (CntCmd) isCommand() {}
func (ClrCmd) isCommand() {}
func (TstCmd) isCommand() {}

const maxNameLength = 255

// validSID bounds sid to 1-8 alphanumeric characters. DNS lower-cases
// labels inconsistently across resolvers, so the sid is normalized to
// upper case for use as a store key.
func validSID(sid string) bool {
	if len(sid) < 1 || len(sid) > 8 {
		return false
	}
	for _, c := range sid {
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

// ParseCommand is the single parse site for every inbound query name. It
// returns ErrUnknownCommand for an unrecognized leftmost label and
// ErrMalformedQuery for anything else that doesn't fit the command's shape.
// suffixLabels is the configured answer suffix, already split into labels.
func ParseCommand(qname string, suffixLabels []string) (Command, error) {
	if len(qname) > maxNameLength {
		return nil, errs.ErrMalformedQuery
	}

	labels := dns.SplitDomainName(qname)
	if labels == nil {
		return nil, errs.ErrMalformedQuery
	}

	if !hasSuffix(labels, suffixLabels) {
		return nil, errSuffixMismatch
	}
	body := labels[:len(labels)-len(suffixLabels)]
	if len(body) == 0 {
		return nil, errs.ErrMalformedQuery
	}

	cmd := strings.ToLower(body[0])
	args := body[1:]

	switch cmd {
	case "tst":
		if len(args) != 0 {
			return nil, errs.ErrMalformedQuery
		}
		return TstCmd{}, nil

	case "clr":
		if len(args) != 1 || !validSID(args[0]) {
			return nil, errs.ErrMalformedQuery
		}
		return ClrCmd{SID: strings.ToUpper(args[0])}, nil

	case "cnt":
		if len(args) != 1 || !validSID(args[0]) {
			return nil, errs.ErrMalformedQuery
		}
		return CntCmd{SID: strings.ToUpper(args[0])}, nil

	case "get":
		if len(args) != 2 || !validSID(args[0]) {
			return nil, errs.ErrMalformedQuery
		}
		idx, err := strconv.Atoi(args[1])
		if err != nil || idx < 0 {
			return nil, errs.ErrMalformedQuery
		}
		return GetCmd{SID: strings.ToUpper(args[0]), Idx: idx}, nil

	case "msg":
		if len(args) < 4 || !validSID(args[0]) {
			return nil, errs.ErrMalformedQuery
		}
		idx, err := strconv.Atoi(args[1])
		if err != nil || idx < 0 {
			return nil, errs.ErrMalformedQuery
		}
		total, err := strconv.Atoi(args[2])
		if err != nil || total <= 0 || idx >= total {
			return nil, errs.ErrMalformedQuery
		}
		payload, err := codec.DecodeLabels(args[3:])
		if err != nil {
			return nil, errs.ErrMalformedQuery
		}
		return MsgCmd{SID: strings.ToUpper(args[0]), Idx: idx, Total: total, Payload: payload}, nil

	default:
		return nil, errs.ErrUnknownCommand
	}
}

// ErrSuffixMismatch signals the query is for a domain this server is not
// authoritative for; the handler answers REFUSED rather than NXDOMAIN.
var ErrSuffixMismatch = errors.New("wire: suffix mismatch")

var errSuffixMismatch = ErrSuffixMismatch

func hasSuffix(labels, suffix []string) bool {
	if len(suffix) > len(labels) {
		return false
	}
	offset := len(labels) - len(suffix)
	for i, s := range suffix {
		if !strings.EqualFold(labels[offset+i], s) {
			return false
		}
	}
	return true
}
