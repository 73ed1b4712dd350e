package jira

// SearchResult is one page of a JQL search.
type SearchResult struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}

// Issue is the subset of a Jira issue the scanner consumes.
type Issue struct {
	Key    string `json:"key"`
	Fields Fields `json:"fields"`
}

// Fields carries the requested issue fields. Jira names the attachment list
// field "attachment" (singular) in API v2.
type Fields struct {
	Project     Project      `json:"project"`
	Status      Status       `json:"status"`
	Updated     string       `json:"updated"`
	Attachments []Attachment `json:"attachment"`
}

// Project identifies the issue's project.
type Project struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Status is the issue's workflow status.
type Status struct {
	Name           string         `json:"name"`
	StatusCategory StatusCategory `json:"statusCategory"`
}

// StatusCategory is Jira's coarse to-do/in-progress/done bucket.
type StatusCategory struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Attachment is the metadata record for one attached file. Content is the
// URL of the raw bytes.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Author   Author `json:"author"`
	Created  string `json:"created"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Content  string `json:"content"`
}

// Author is the attachment uploader. Data Center returns "name"; some
// versions return "key" instead.
type Author struct {
	Name        string `json:"name"`
	Key         string `json:"key"`
	DisplayName string `json:"displayName"`
}

// StableID returns a stable identifier for the author, preferring name over
// key, falling back to "unknown".
func (a Author) StableID() string {
	if a.Name != "" {
		return a.Name
	}
	if a.Key != "" {
		return a.Key
	}
	return "unknown"
}
