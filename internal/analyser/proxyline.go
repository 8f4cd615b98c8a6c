package analyser

import (
	"net"
	"strconv"
	"strings"

	"github.com/xtaci/reverseproxy/internal/xbuffer"
)

// ParsedProxyLine is the result of decoding one "PROXY TCP4|TCP6 src dst
// sport dport\r\n" preamble (spec §4.5, §6).
type ParsedProxyLine struct {
	ClientAddr *net.TCPAddr
	LocalAddr  *net.TCPAddr
}

// NewProxyLineDecoder returns the BitDecodeProxyLine analyser: it consumes
// the PROXY protocol preamble line, rewrites the session's client/local
// addresses via onParsed, strips the line from the buffer, and clears its
// own bit (spec §6 "decode proxy-line").
//
// On parse failure it aborts (caller observes onAbort called and the
// analyser mask with this analyser's own bit cleared; other pending bits are
// left as they are — the
// session FSM is expected to treat onAbort as fatal per spec §6:
// "increment failed_req, set error class PRXCOND, finish stage R").
func NewProxyLineDecoder(onParsed func(ParsedProxyLine), onAbort func()) Func {
	return func(buf *xbuffer.Buffer) bool {
		line := make([]byte, 256)
		n := buf.PeekLine(line)
		if n == 0 {
			return false // short read: wait for more data
		}
		if n < 0 {
			buf.AnalyserMask &^= uint32(BitDecodeProxyLine)
			if onAbort != nil {
				onAbort()
			}
			return true
		}
		raw := string(line[:n])
		parsed, ok := parseProxyLine(raw)
		buf.AnalyserMask &^= uint32(BitDecodeProxyLine)
		if !ok {
			if onAbort != nil {
				onAbort()
			}
			return true
		}
		buf.Advance(int64(n))
		if onParsed != nil {
			onParsed(parsed)
		}
		return true
	}
}

func parseProxyLine(line string) (ParsedProxyLine, bool) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, " ")
	if len(fields) != 6 || fields[0] != "PROXY" {
		return ParsedProxyLine{}, false
	}
	switch fields[1] {
	case "TCP4", "TCP6":
	default:
		return ParsedProxyLine{}, false
	}
	srcIP := net.ParseIP(fields[2])
	dstIP := net.ParseIP(fields[3])
	if srcIP == nil || dstIP == nil {
		return ParsedProxyLine{}, false
	}
	sport, err := strconv.Atoi(fields[4])
	if err != nil || sport < 0 || sport > 65535 {
		return ParsedProxyLine{}, false
	}
	dport, err := strconv.Atoi(fields[5])
	if err != nil || dport < 0 || dport > 65535 {
		return ParsedProxyLine{}, false
	}
	return ParsedProxyLine{
		ClientAddr: &net.TCPAddr{IP: srcIP, Port: sport},
		LocalAddr:  &net.TCPAddr{IP: dstIP, Port: dport},
	}, true
}
