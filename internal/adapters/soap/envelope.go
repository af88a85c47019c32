package soap

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mikey-austin/airbridge/internal/upnp"
)

const (
	envelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	encodingNS = "http://schemas.xmlsoap.org/soap/encoding/"
	controlNS  = "urn:schemas-upnp-org:control-1-0"
)

// ErrMalformedFault is returned when a 500 response does not carry a
// decodable UPnPError.
var ErrMalformedFault = errors.New("malformed SOAP fault")

// BuildEnvelope renders a SOAP 1.1 request body for action with args in order.
func BuildEnvelope(serviceType string, action string, args []upnp.Arg) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(`<s:Envelope xmlns:s="` + envelopeNS + `" s:encodingStyle="` + encodingNS + `">`)
	buf.WriteString(`<s:Body><u:` + action + ` xmlns:u="` + xmlEscape(serviceType) + `">`)
	for _, arg := range args {
		fmt.Fprintf(&buf, "<%s>%s</%s>", arg.Name, xmlEscape(arg.Value), arg.Name)
	}
	buf.WriteString(`</u:` + action + `></s:Body></s:Envelope>`)
	return buf.Bytes()
}

type responseEnvelope struct {
	Body struct {
		Fault    *faultElement `xml:"Fault"`
		Response *struct {
			XMLName xml.Name
			Args    []struct {
				XMLName xml.Name
				Value   string `xml:",chardata"`
			} `xml:",any"`
		} `xml:",any"`
	} `xml:"Body"`
}

type faultElement struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Detail struct {
		UPnPError *struct {
			XMLName     xml.Name
			Code        string `xml:"errorCode"`
			Description string `xml:"errorDescription"`
		} `xml:"UPnPError"`
	} `xml:"detail"`
}

// ParseResponse decodes the <actionResponse> element of a successful reply
// into a map of child element names to text.
func ParseResponse(body []byte, action string) (map[string]string, error) {
	var env responseEnvelope
	if err := xml.NewDecoder(bytes.NewReader(body)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", action, err)
	}
	if env.Body.Response == nil {
		return nil, fmt.Errorf("decode %s response: missing response element", action)
	}
	out := make(map[string]string, len(env.Body.Response.Args))
	for _, arg := range env.Body.Response.Args {
		out[arg.XMLName.Local] = arg.Value
	}
	return out, nil
}

// ParseFault extracts the UPnPError carried by a SOAP fault.
func ParseFault(body []byte, action string) (*upnp.CommandError, error) {
	var env responseEnvelope
	if err := xml.NewDecoder(bytes.NewReader(body)).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFault, err)
	}
	fault := env.Body.Fault
	if fault == nil || fault.Detail.UPnPError == nil {
		return nil, fmt.Errorf("%w: no UPnPError detail", ErrMalformedFault)
	}
	upnpErr := fault.Detail.UPnPError
	if ns := upnpErr.XMLName.Space; ns != "" && ns != controlNS {
		return nil, fmt.Errorf("%w: unexpected namespace %q", ErrMalformedFault, ns)
	}
	code, err := strconv.Atoi(strings.TrimSpace(upnpErr.Code))
	if err != nil {
		return nil, fmt.Errorf("%w: error code %q", ErrMalformedFault, upnpErr.Code)
	}
	return &upnp.CommandError{
		Action:      action,
		Code:        code,
		Description: strings.TrimSpace(upnpErr.Description),
	}, nil
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
