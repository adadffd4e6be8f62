package wire

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmproxy/dnschat/internal/codec"
	"github.com/llmproxy/dnschat/internal/errs"
)

var suffix = dns.SplitDomainName(dns.Fqdn("llm.test"))

func TestParseTst(t *testing.T) {
	cmd, err := ParseCommand("tst.llm.test.", suffix)
	require.NoError(t, err)
	assert.Equal(t, TstCmd{}, cmd)
}

func TestParseSuffixMismatch(t *testing.T) {
	_, err := ParseCommand("tst.other.domain.", suffix)
	assert.ErrorIs(t, err, ErrSuffixMismatch)
}

func TestParseUnknownCommand(t *testing.T) {
	_, err := ParseCommand("xyz.llm.test.", suffix)
	assert.ErrorIs(t, err, errs.ErrUnknownCommand)
}

func TestParseCnt(t *testing.T) {
	cmd, err := ParseCommand("cnt.ABCD1234.llm.test.", suffix)
	require.NoError(t, err)
	assert.Equal(t, CntCmd{SID: "ABCD1234"}, cmd)
}

func TestParseClr(t *testing.T) {
	cmd, err := ParseCommand("clr.ab12.llm.test.", suffix)
	require.NoError(t, err)
	assert.Equal(t, ClrCmd{SID: "AB12"}, cmd)
}

func TestParseGet(t *testing.T) {
	cmd, err := ParseCommand("get.ab12.5.llm.test.", suffix)
	require.NoError(t, err)
	assert.Equal(t, GetCmd{SID: "AB12", Idx: 5}, cmd)
}

func TestParseMsg(t *testing.T) {
	payload := []byte("hello world")
	labels, err := codec.EncodeLabels(payload, codec.DefaultMaxLabelLen, codec.DefaultMaxLabelsPerQuery)
	require.NoError(t, err)

	qname := "msg.ab12.0.1."
	for _, l := range labels {
		qname += l + "."
	}
	qname += "llm.test."

	cmd, err := ParseCommand(qname, suffix)
	require.NoError(t, err)
	msg, ok := cmd.(MsgCmd)
	require.True(t, ok)
	assert.Equal(t, "AB12", msg.SID)
	assert.Equal(t, 0, msg.Idx)
	assert.Equal(t, 1, msg.Total)
	assert.Equal(t, payload, msg.Payload)
}

func TestParseMsgRejectsIdxGETotal(t *testing.T) {
	_, err := ParseCommand("msg.ab12.3.3.AAAA.llm.test.", suffix)
	assert.ErrorIs(t, err, errs.ErrMalformedQuery)
}

func TestParseMsgRejectsZeroTotal(t *testing.T) {
	_, err := ParseCommand("msg.ab12.0.0.AAAA.llm.test.", suffix)
	assert.ErrorIs(t, err, errs.ErrMalformedQuery)
}

func TestParseRejectsBadSID(t *testing.T) {
	_, err := ParseCommand("cnt.toolongsid.llm.test.", suffix)
	assert.ErrorIs(t, err, errs.ErrMalformedQuery)
}

func TestParseCaseInsensitive(t *testing.T) {
	cmd, err := ParseCommand("CNT.ab12.LLM.TEST.", suffix)
	require.NoError(t, err)
	assert.Equal(t, CntCmd{SID: "AB12"}, cmd)
}

func TestParseRejectsOversizedName(t *testing.T) {
	long := make([]byte, 260)
	for i := range long {
		long[i] = 'a'
	}
	_, err := ParseCommand(string(long)+".llm.test.", suffix)
	assert.ErrorIs(t, err, errs.ErrMalformedQuery)
}
