package domain

import "io"

// Field is one multipart form field.
type Field struct {
	Name  string
	Value string
}

// FilePart is the file section of a multipart upload.
type FilePart struct {
	Field    string
	Filename string
	Reader   io.Reader
	Size     int64
}

// Signature is what a remote signature provider hands back when the client
// holds no API secret.
type Signature struct {
	Signature string `json:"signature"`
	APIKey    string `json:"api_key"`
	Timestamp int64  `json:"timestamp"`
}
