package mail

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"mailtriage/internal/model"

	"github.com/pkg/errors"
	gmail "google.golang.org/api/gmail/v1"
)

func parseMessage(msg *gmail.Message) (model.Email, error) {
	if msg == nil || msg.Payload == nil {
		return model.Email{}, errors.New("message has no payload")
	}
	headers := parseHeaders(msg.Payload.Headers)

	body, err := parseBody(msg.Payload)
	if err != nil {
		return model.Email{}, err
	}

	email := model.Email{
		ID:          msg.Id,
		ThreadID:    msg.ThreadId,
		MessageID:   headers["message-id"],
		From:        headers["from"],
		To:          splitAddresses(headers["to"]),
		Cc:          splitAddresses(headers["cc"]),
		Bcc:         splitAddresses(headers["bcc"]),
		Subject:     headers["subject"],
		Body:        body,
		Date:        time.UnixMilli(msg.InternalDate).UTC(),
		IsRead:      !hasLabel(msg.LabelIds, labelUnread),
		Labels:      msg.LabelIds,
		Attachments: parseAttachments(msg.Payload),
	}
	if email.To == nil {
		email.To = []string{}
	}
	return email, nil
}

// parseHeaders 头部名称统一小写，重复的以最后一个为准
func parseHeaders(hs []*gmail.MessagePartHeader) map[string]string {
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		out[strings.ToLower(h.Name)] = h.Value
	}
	return out
}

func splitAddresses(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, a := range strings.Split(v, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// parseBody 优先使用顶层 body，其次 text/plain，最后 text/html
func parseBody(p *gmail.MessagePart) (string, error) {
	if p.Body != nil && p.Body.Data != "" {
		b, err := decodeData(p.Body.Data)
		if err != nil {
			return "", errors.Wrap(err, "decoding body")
		}
		return string(b), nil
	}

	var html string
	for _, part := range p.Parts {
		if part.Body == nil || part.Body.Data == "" {
			continue
		}
		switch part.MimeType {
		case "text/plain":
			b, err := decodeData(part.Body.Data)
			if err != nil {
				return "", errors.Wrap(err, "decoding text/plain part")
			}
			return string(b), nil
		case "text/html":
			if html != "" {
				continue
			}
			b, err := decodeData(part.Body.Data)
			if err != nil {
				return "", errors.Wrap(err, "decoding text/html part")
			}
			html = string(b)
		}
	}
	return html, nil
}

func parseAttachments(p *gmail.MessagePart) []model.Attachment {
	var out []model.Attachment
	var walk func(part *gmail.MessagePart)
	walk = func(part *gmail.MessagePart) {
		if part.Body != nil && part.Body.AttachmentId != "" && strings.TrimSpace(part.Filename) != "" {
			out = append(out, model.Attachment{
				ID:          part.Body.AttachmentId,
				Filename:    part.Filename,
				ContentType: part.MimeType,
				Size:        part.Body.Size,
			})
		}
		for _, sub := range part.Parts {
			walk(sub)
		}
	}
	for _, part := range p.Parts {
		walk(part)
	}
	return out
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// buildReply renders an RFC 5322 plain-text reply quoting the original body.
func buildReply(original model.Email, user model.User, body string) []byte {
	from := user.Email
	if len(original.To) > 0 {
		from = original.To[0]
	}
	subject := original.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	ref := original.MessageID
	if ref == "" {
		ref = "<" + original.ID + "@mail.gmail.com>"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", original.From)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	fmt.Fprintf(&buf, "References: %s\r\n", ref)
	fmt.Fprintf(&buf, "In-Reply-To: %s\r\n", ref)
	buf.WriteString("\r\n")
	buf.WriteString(body)
	buf.WriteString("\r\n\r\n")
	fmt.Fprintf(&buf, "On %s, %s wrote:\r\n\r\n", original.Date.UTC().Format(time.RFC3339), original.From)

	lines := strings.Split(original.Body, "\n")
	for i, line := range lines {
		buf.WriteString("> ")
		buf.WriteString(strings.TrimRight(line, "\r"))
		if i < len(lines)-1 {
			buf.WriteString("\r\n")
		}
	}
	return buf.Bytes()
}
