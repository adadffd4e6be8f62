package codec

import (
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/llmproxy/dnschat/internal/errs"
)

// dnsEncoding is the single case-insensitive, DNS-label-safe alphabet used
// for everything that ends up inside a query name: unpadded, upper-cased
// RFC4648 base32. TXT record content is not subject to the same
// case-folding by resolvers, so outbound chunks riding in TXT strings use
// base64 instead (labels go out base32-encoded, TXT answers come back
// base64-encoded).
var dnsEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// DefaultMaxLabelLen is the DNS label octet limit (63) minus a small safety
// margin for resolver quirks.
const DefaultMaxLabelLen = 57

// DefaultMaxLabelsPerQuery bounds how many payload labels one msg query
// name may carry before sid/idx/total/suffix overhead is added.
const DefaultMaxLabelsPerQuery = 3

// EncodeLabels base32-encodes raw and splits the result into DNS labels of
// at most maxLabelLen octets each, at most maxLabelsPerQuery of them.
func EncodeLabels(raw []byte, maxLabelLen, maxLabelsPerQuery int) ([]string, error) {
	encoded := dnsEncoding.EncodeToString(raw)
	var labels []string
	for i := 0; i < len(encoded); i += maxLabelLen {
		end := i + maxLabelLen
		if end > len(encoded) {
			end = len(encoded)
		}
		labels = append(labels, encoded[i:end])
	}
	if len(labels) > maxLabelsPerQuery {
		return nil, fmt.Errorf("codec: raw chunk of %d bytes needs %d labels, max is %d", len(raw), len(labels), maxLabelsPerQuery)
	}
	return labels, nil
}

// DecodeLabels is the inverse of EncodeLabels: it rejoins the label group
// (case-folded by some resolver somewhere, hence the upper-casing) and
// base32-decodes it back to raw bytes.
func DecodeLabels(labels []string) ([]byte, error) {
	joined := strings.ToUpper(strings.Join(labels, ""))
	raw, err := dnsEncoding.DecodeString(joined)
	if err != nil {
		return nil, fmt.Errorf("codec: decode labels: %w", err)
	}
	return raw, nil
}

// EncodeChunk base64-encodes an encrypted outbound chunk for a TXT answer.
func EncodeChunk(encrypted []byte) string {
	return base64.StdEncoding.EncodeToString(encrypted)
}

// DecodeChunk is the inverse of EncodeChunk.
func DecodeChunk(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("codec: decode chunk: %w", err)
	}
	return raw, nil
}

// maxRawPerChunk returns the largest number of raw bytes that will still
// base32-encode into at most maxLabelsPerQuery labels of maxLabelLen
// octets — rounded down to a multiple of 5 so every chunk but the last
// encodes without padding.
func maxRawPerChunk(maxLabelLen, maxLabelsPerQuery int) int {
	maxEncodedLen := maxLabelLen * maxLabelsPerQuery
	return (maxEncodedLen / 8) * 5
}

// Split divides b into DNS-label-safe chunks. Each returned group of labels
// is one chunk's encoded payload, in index order. Splitting is deterministic
// given (b, maxLabelLen, maxLabelsPerQuery): concatenating the chunks'
// decoded payloads in order reproduces b exactly, and the empty input
// produces exactly one chunk with no labels. ParseCommand rejects a msg
// query without a payload label, so such a chunk cannot be sent; sealed
// envelopes are never empty.
func Split(b []byte, maxLabelLen, maxLabelsPerQuery int) ([][]string, error) {
	chunkSize := maxRawPerChunk(maxLabelLen, maxLabelsPerQuery)
	if chunkSize <= 0 {
		return nil, fmt.Errorf("codec: label limits too small to carry any payload")
	}

	if len(b) == 0 {
		labels, err := EncodeLabels(nil, maxLabelLen, maxLabelsPerQuery)
		if err != nil {
			return nil, err
		}
		return [][]string{labels}, nil
	}

	var groups [][]string
	for start := 0; start < len(b); start += chunkSize {
		end := start + chunkSize
		if end > len(b) {
			end = len(b)
		}
		labels, err := EncodeLabels(b[start:end], maxLabelLen, maxLabelsPerQuery)
		if err != nil {
			return nil, err
		}
		groups = append(groups, labels)
	}
	return groups, nil
}

// Join concatenates already-decoded chunk payloads, in index order, back
// into the original byte stream. It fails with ErrMalformedQuery if given
// no chunks at all, since Split always produces at least one chunk.
func Join(chunksInIndexOrder [][]byte) ([]byte, error) {
	if len(chunksInIndexOrder) == 0 {
		return nil, errs.ErrMalformedQuery
	}
	out := make([]byte, 0)
	for _, c := range chunksInIndexOrder {
		out = append(out, c...)
	}
	return out, nil
}
