package preparer

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"net/textproto"
	"strings"
)

// RoutingOverrideHeader redirects the SMTP envelope independently of the
// visible To header, so one composed message can drive many sends.
const RoutingOverrideHeader = "X-EM-SMTP-RCPT-TO"

type RoutingOverrideStep struct {
	header string
}

// NewRoutingOverrideStep creates a step honouring the given header.
func NewRoutingOverrideStep(header string) *RoutingOverrideStep {
	return &RoutingOverrideStep{header: textproto.CanonicalMIMEHeaderKey(header)}
}

// Prepare replaces the recipients with the header value and strips the
// header from the outgoing message. Without the header nothing changes.
func (s *RoutingOverrideStep) Prepare(_ context.Context, req *Request) error {
	msg, err := mail.ReadMessage(bytes.NewReader(req.Message))
	if err != nil {
		return fmt.Errorf("parse message: %w", err)
	}
	values, ok := msg.Header[s.header]
	if !ok {
		return nil
	}

	var recipients []string
	for _, v := range values {
		list, err := mail.ParseAddressList(v)
		if err != nil {
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				recipients = append(recipients, trimmed)
			}
			continue
		}
		recipients = append(recipients, addresses(list)...)
	}

	req.To = recipients
	req.Message = stripHeader(req.Message, s.header)
	return nil
}

// stripHeader removes every occurrence of name, folded lines included, from
// the header block of raw. The body is left untouched.
func stripHeader(raw []byte, name string) []byte {
	headerEnd, sepLen := len(raw), 0
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		headerEnd, sepLen = i+2, 2
	} else if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		headerEnd, sepLen = i+1, 1
	}

	var out bytes.Buffer
	out.Grow(len(raw))
	skipping := false
	for _, line := range bytes.SplitAfter(raw[:headerEnd], []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if !skipping {
				out.Write(line)
			}
			continue
		}
		colon := bytes.IndexByte(line, ':')
		skipping = colon > 0 && textproto.CanonicalMIMEHeaderKey(string(bytes.TrimSpace(line[:colon]))) == name
		if !skipping {
			out.Write(line)
		}
	}
	out.Write(raw[headerEnd : headerEnd+sepLen])
	out.Write(raw[headerEnd+sepLen:])
	return out.Bytes()
}
