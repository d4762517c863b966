package hoppie

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

var ErrEmptyResponse = errors.New("empty response")

// Block is one `{identifier type content}` entry of a poll response.
type Block struct {
	Identifier string
	Type       string
	Content    string
}

// Response is a parsed network reply: the leading status word and any
// blocks that follow it.
type Response struct {
	OK     bool
	Blocks []Block
	// Reason holds the text of an error reply.
	Reason string
	// Unbalanced is set when stray braces were skipped or an unterminated
	// last block was kept as is.
	Unbalanced bool
}

// ParseResponse reads a reply such as
//
//	ok {JST460 telex HELLO} {EDDF cpdlc {/data2/7/3/Y/CLIMB TO FL350}}
//
// Braces nest, so a block's content may itself be brace-wrapped. Stray
// braces in message text never cost the other blocks of the reply.
func ParseResponse(body string) (*Response, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyResponse
	}
	status, rest, _ := strings.Cut(body, " ")
	if i := strings.IndexByte(status, '{'); i >= 0 {
		// "ok{...}" without a separating space
		status, rest = status[:i], body[i:]
	}

	raw, unbalanced := splitBlocks(rest)

	resp := &Response{Unbalanced: unbalanced}
	switch strings.ToLower(status) {
	case "ok":
		resp.OK = true
	case "error":
		resp.Reason = strings.TrimSpace(strings.Join(raw, " "))
		if resp.Reason == "" {
			resp.Reason = strings.TrimSpace(rest)
		}
		return resp, nil
	default:
		return nil, errors.New("unexpected status word " + strconv.Quote(status))
	}

	for _, b := range raw {
		resp.Blocks = append(resp.Blocks, parseBlock(b))
	}
	return resp, nil
}

// splitBlocks returns the contents of each top-level brace pair. A closing
// brace with nothing open is skipped; a block still open at the end of s is
// returned up to the end. unbalanced reports either repair.
func splitBlocks(s string) (blocks []string, unbalanced bool) {
	var depth, start int
	for i, r := range s {
		switch r {
		case '{':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case '}':
			if depth == 0 {
				unbalanced = true
				continue
			}
			depth--
			if depth == 0 {
				blocks = append(blocks, s[start:i])
			}
		}
	}
	if depth != 0 {
		blocks = append(blocks, s[start:])
		unbalanced = true
	}
	return blocks, unbalanced
}

func parseBlock(s string) Block {
	fields := strings.SplitN(strings.TrimSpace(s), " ", 3)
	b := Block{Identifier: fields[0]}
	if len(fields) > 1 {
		b.Type = strings.ToLower(fields[1])
	}
	if len(fields) > 2 {
		content := strings.TrimSpace(fields[2])
		if strings.HasPrefix(content, "{") && strings.HasSuffix(content, "}") {
			content = strings.TrimSpace(content[1 : len(content)-1])
		}
		b.Content = content
	}
	return b
}

// CPDLC is the decoded `/data2/` payload of a cpdlc block.
type CPDLC struct {
	MessageID    int64
	ReplyToID    *int64
	ResponseCode string
	Content      string
}

const cpdlcParseError = "ERROR: Failed to parse CPDLC message."

var cpdlcPattern = regexp.MustCompile(`/data2/(\d+)/(\d*)/([YNERWU])/(.+)`)

// ParseCPDLC decodes content. Malformed payloads are not dropped: they come
// back as message 0 with response code N and a diagnostic text.
func ParseCPDLC(content string) CPDLC {
	m := cpdlcPattern.FindStringSubmatch(content)
	if m == nil {
		zero := int64(0)
		return CPDLC{ReplyToID: &zero, ResponseCode: "N", Content: cpdlcParseError}
	}
	msgID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		zero := int64(0)
		return CPDLC{ReplyToID: &zero, ResponseCode: "N", Content: cpdlcParseError}
	}
	out := CPDLC{MessageID: msgID, ResponseCode: m[3], Content: m[4]}
	if m[2] != "" {
		if id, err := strconv.ParseInt(m[2], 10, 64); err == nil {
			out.ReplyToID = &id
		}
	}
	return out
}

// CPDLCPacket renders the outbound `/data2/` packet.
func CPDLCPacket(seq int64, replyTo *int64, responseCode, content string) string {
	reply := ""
	if replyTo != nil {
		reply = strconv.FormatInt(*replyTo, 10)
	}
	return "/data2/" + strconv.FormatInt(seq, 10) + "/" + reply + "/" + responseCode + "/" + content
}
