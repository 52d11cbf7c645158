package casegraph

import (
	"errors"

	"github.com/casegraph/casegraph/hierarchy"
	"github.com/casegraph/casegraph/llm"
)

var (
	// ErrNodeNotFound is returned when a node ID does not resolve.
	ErrNodeNotFound = errors.New("casegraph: node not found")

	// ErrDocumentNotFound is returned when a document ID does not resolve.
	ErrDocumentNotFound = errors.New("casegraph: document not found")

	// ErrHierarchyNotFound is returned when no hierarchy snapshot exists
	// for the requested project or version.
	ErrHierarchyNotFound = errors.New("casegraph: hierarchy not found")

	// ErrBuildInProgress is returned when a hierarchy build is already
	// holding the per-project advisory lock.
	ErrBuildInProgress = errors.New("casegraph: hierarchy build already in progress")

	// ErrEmbeddingFailed is returned when embedding generation fails.
	ErrEmbeddingFailed = errors.New("casegraph: embedding generation failed")

	// ErrLLMRequestFailed is returned when an LLM request fails.
	ErrLLMRequestFailed = llm.ErrRequestFailed

	// ErrNoPassages is returned when a hierarchy build finds no embedded
	// passages for the project.
	ErrNoPassages = hierarchy.ErrNoPassages

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("casegraph: invalid configuration")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("casegraph: store is closed")
)
