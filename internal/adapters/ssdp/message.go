package ssdp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

// Notification sub types carried in the NTS header.
const (
	NTSAlive  = "ssdp:alive"
	NTSByeBye = "ssdp:byebye"
	NTSUpdate = "ssdp:update"
)

// Kind classifies a datagram by its start line.
type Kind int

const (
	// KindNotify is a multicast NOTIFY announcement.
	KindNotify Kind = iota
	// KindResponse is a unicast reply to an M-SEARCH.
	KindResponse
	// KindSearch is an M-SEARCH sent by some other control point.
	KindSearch
)

func (k Kind) String() string {
	switch k {
	case KindNotify:
		return "notify"
	case KindResponse:
		return "response"
	default:
		return "search"
	}
}

// ErrMalformed is returned for datagrams that are not SSDP messages.
var ErrMalformed = errors.New("malformed ssdp datagram")

// Message is a parsed SSDP datagram with its sender and the local address
// the sender is reachable from.
type Message struct {
	Kind    Kind
	Header  http.Header
	From    *net.UDPAddr
	LocalIP net.IP
}

// Handler receives datagrams. It must not block for long.
type Handler func(Message)

func (m Message) USN() string      { return m.Header.Get("USN") }
func (m Message) NTS() string      { return m.Header.Get("NTS") }
func (m Message) Location() string { return m.Header.Get("LOCATION") }

// CacheControl returns the raw CACHE-CONTROL header.
func (m Message) CacheControl() string { return m.Header.Get("CACHE-CONTROL") }

// Target returns NT for notifications and ST for search replies.
func (m Message) Target() string {
	if m.Kind == KindNotify {
		return m.Header.Get("NT")
	}
	return m.Header.Get("ST")
}

// ParseMessage decodes an HTTPU datagram.
func ParseMessage(data []byte, from *net.UDPAddr) (Message, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(data)))
	line, err := r.ReadLine()
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := Message{From: from}
	switch {
	case strings.HasPrefix(line, "NOTIFY "):
		msg.Kind = KindNotify
	case strings.HasPrefix(line, "M-SEARCH "):
		msg.Kind = KindSearch
	case strings.HasPrefix(line, "HTTP/"):
		msg.Kind = KindResponse
	default:
		return Message{}, fmt.Errorf("%w: start line %q", ErrMalformed, line)
	}
	hdr, err := r.ReadMIMEHeader()
	if err != nil && !(errors.Is(err, io.EOF) && len(hdr) > 0) {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg.Header = http.Header(hdr)
	return msg, nil
}

// BuildSearch renders an M-SEARCH request for st.
func BuildSearch(st string, mx int) []byte {
	return []byte(fmt.Sprintf("M-SEARCH * HTTP/1.1\r\n"+
		"HOST: %s\r\n"+
		"MAN: \"ssdp:discover\"\r\n"+
		"MX: %d\r\n"+
		"ST: %s\r\n"+
		"USER-AGENT: %s\r\n"+
		"\r\n", MulticastAddr, mx, st, userAgent))
}
