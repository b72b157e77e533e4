package domain

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"
)

const MaxSubjectLength = 255

// EmailPayload is the payload of a send_email job.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

// ValidationError names the first request field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (p EmailPayload) Validate() error {
	addr, err := mail.ParseAddress(p.To)
	if err != nil || addr.Name != "" || addr.Address != strings.TrimSpace(p.To) {
		return &ValidationError{Field: "payload.to", Reason: "must be a valid email address"}
	}
	if n := utf8.RuneCountInString(p.Subject); n < 1 || n > MaxSubjectLength {
		return &ValidationError{Field: "payload.subject", Reason: fmt.Sprintf("must be 1 to %d characters", MaxSubjectLength)}
	}
	if p.Message == "" {
		return &ValidationError{Field: "payload.message", Reason: "must not be empty"}
	}
	return nil
}

// DecodeEmailPayload parses and validates raw.
func DecodeEmailPayload(raw json.RawMessage) (EmailPayload, error) {
	var p EmailPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return EmailPayload{}, &ValidationError{Field: "payload", Reason: "must be an object with to, subject and message"}
	}
	return p, p.Validate()
}
