package gateway

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength is the longest chat message accepted, in characters.
const MaxMessageLength = 5000

var clientIDPattern = regexp.MustCompile(`^K?\d+$`)

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type validationError struct {
	Fields []FieldError
}

func (e *validationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (e *validationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *validationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func invalidBody(err error) error {
	return &validationError{Fields: []FieldError{{Field: "body", Message: err.Error()}}}
}

// normalizeClientID strips the leading K marker from a validated client ID.
func normalizeClientID(id string) string {
	return strings.TrimPrefix(id, "K")
}

func validateClientID(v *validationError, id string) {
	switch {
	case id == "":
		v.add("clientId", "field required")
	case !clientIDPattern.MatchString(id):
		v.add("clientId", "must match %s", clientIDPattern.String())
	}
}

// ChatRequest is the body of POST /api/chat and the chat.send params.
type ChatRequest struct {
	Message   string `json:"message"`
	ClientID  string `json:"clientId"`
	KristalID string `json:"kristalId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Normalize validates r and strips the client ID marker.
func (r *ChatRequest) Normalize() error {
	v := &validationError{}
	switch n := utf8.RuneCountInString(r.Message); {
	case n == 0:
		v.add("message", "must not be empty")
	case n > MaxMessageLength:
		v.add("message", "must be at most %d characters", MaxMessageLength)
	}
	validateClientID(v, r.ClientID)
	if err := v.orNil(); err != nil {
		return err
	}
	r.ClientID = normalizeClientID(r.ClientID)
	return nil
}

// SessionCreateRequest is the body of POST /api/session and session.create params.
type SessionCreateRequest struct {
	ClientID              string `json:"clientId"`
	KristalID             string `json:"kristalId,omitempty"`
	RelationshipManagerID string `json:"relationshipManagerId,omitempty"`
}

// Normalize validates r and strips the client ID marker.
func (r *SessionCreateRequest) Normalize() error {
	v := &validationError{}
	validateClientID(v, r.ClientID)
	if err := v.orNil(); err != nil {
		return err
	}
	r.ClientID = normalizeClientID(r.ClientID)
	return nil
}
