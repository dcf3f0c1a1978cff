// Package provider talks to the asynchronous media generation service.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/unclebandit/reelcast-backend/internal/model"
)

// Provider submits generation jobs and reports on them. Submit returns the
// provider's job id; Poll is called until the job settles.
type Provider interface {
	Submit(ctx context.Context, req Request) (string, error)
	Poll(ctx context.Context, jobID string) (PollResult, error)
}

// Request is one of VideoRequest or PDFRequest.
type Request interface {
	Kind() model.ArtifactKind
}

type VideoRequest struct {
	TemplateRef   string  `json:"template_id"`
	AvatarRef     string  `json:"avatar_id,omitempty"`
	Script        string  `json:"script"`
	Title         string  `json:"title,omitempty"`
	Language      string  `json:"language,omitempty"`
	VoiceID       string  `json:"voice_id,omitempty"`
	VoiceSpeed    float64 `json:"voice_speed,omitempty"`
	BackgroundURL string  `json:"background_url,omitempty"`
}

func (VideoRequest) Kind() model.ArtifactKind { return model.ArtifactVideo }

type PDFRequest struct {
	TemplateRef string            `json:"template_id"`
	Title       string            `json:"title,omitempty"`
	Language    string            `json:"language,omitempty"`
	Fields      map[string]string `json:"fields"`
}

func (PDFRequest) Kind() model.ArtifactKind { return model.ArtifactPDF }

type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobDone       JobStatus = "DONE"
	JobFailed     JobStatus = "FAILED"
)

// Settled reports whether the job reached a final state.
func (s JobStatus) Settled() bool {
	return s == JobDone || s == JobFailed
}

// PollResult is the provider's view of a job. Terminal is set on FAILED jobs
// the provider will never complete, such as rejected content.
type PollResult struct {
	Status   JobStatus `json:"status"`
	URL      string    `json:"url,omitempty"`
	Error    string    `json:"error,omitempty"`
	Terminal bool      `json:"terminal,omitempty"`
}

type ErrorKind int

const (
	// Transient failures may succeed when retried (rate limits, 5xx).
	Transient ErrorKind = iota
	// Terminal failures will not succeed on retry (bad input, rejected job).
	Terminal
	// Unavailable means the provider could not be reached at all.
	Unavailable
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	case Unavailable:
		return "unavailable"
	}
	return "unknown"
}

type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: provider %s (%d): %s", e.Kind, e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: provider %s: %s", e.Kind, e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether err leaves the item eligible for automatic retry.
// Errors that did not come from this package are treated as transient.
func Retryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind != Terminal
	}
	return true
}

// IsUnavailable reports whether err means the provider cannot be reached.
func IsUnavailable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == Unavailable
}
