package model

import "time"

type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// MessageRef is what a mailbox listing returns before details are fetched.
type MessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId,omitempty"`
}

type Email struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"threadId,omitempty"`
	MessageID   string       `json:"messageId,omitempty"` // RFC 5322 Message-ID header
	From        string       `json:"from"`
	To          []string     `json:"to"`
	Cc          []string     `json:"cc,omitempty"`
	Bcc         []string     `json:"bcc,omitempty"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Date        time.Time    `json:"date"`
	IsRead      bool         `json:"isRead"`
	Labels      []string     `json:"labels,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

func (e Email) Ref() MessageRef {
	return MessageRef{ID: e.ID, ThreadID: e.ThreadID}
}
