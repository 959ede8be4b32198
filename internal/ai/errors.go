package ai

import "errors"

var (
	// ErrUnauthorized indicates a RAG callback without a matching token.
	ErrUnauthorized = errors.New("invalid rag token")
	// ErrEmptyReply indicates the RAG service answered without reply text.
	ErrEmptyReply = errors.New("empty rag reply")
	// ErrInvalidCallback indicates a malformed RAG callback payload.
	ErrInvalidCallback = errors.New("invalid rag callback")
)
