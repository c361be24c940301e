package agent

import (
	"github.com/soyeahso/kristal-gateway/internal/interpret"
)

// CreateSessionRequest asks the agent service for a new conversation.
// An empty RelationshipManagerID falls back to the client default.
type CreateSessionRequest struct {
	ClientID              string
	KristalID             string
	RelationshipManagerID string
}

// QueryRequest is one user turn inside an existing session.
type QueryRequest struct {
	Message               string
	ClientID              string
	KristalID             string
	SessionID             string
	Source                string
	RelationshipManagerID string
}

// Chart is a rendered chart the agent attached to its answer.
type Chart struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Response is the structured form of one agent answer.
type Response struct {
	Response   string                `json:"response"`
	Sources    []interpret.Source    `json:"sources"`
	Validation *interpret.Validation `json:"validation"`
	SessionID  string                `json:"sessionId"`
	Chart      *Chart                `json:"chart"`
	Metadata   map[string]any        `json:"metadata,omitempty"`
}

type createSessionBody struct {
	ClientID              string `json:"client_id"`
	RelationshipManagerID string `json:"relationship_manager_id"`
	KristalID             string `json:"kristal_id,omitempty"`
}

type queryBody struct {
	Query                 string `json:"query"`
	ClientID              string `json:"client_id"`
	RelationshipManagerID string `json:"relationship_manager_id"`
	SessionID             string `json:"session_id"`
	KristalID             string `json:"kristal_id,omitempty"`
	Source                string `json:"source,omitempty"`
}

// chartFrom accepts either {"url","title"} or a bare URL string.
func chartFrom(v any) *Chart {
	switch c := v.(type) {
	case map[string]any:
		if len(c) == 0 {
			return nil
		}
		url, _ := c["url"].(string)
		title, _ := c["title"].(string)
		return &Chart{URL: url, Title: title}
	case string:
		if c == "" {
			return nil
		}
		return &Chart{URL: c, Title: "Chart"}
	default:
		return nil
	}
}
