package chatstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// MessageContentHashAlgorithmV1 identifies the canonical hash material.
//
// The canonical material is JSON over role, content and streaming.
const MessageContentHashAlgorithmV1 = "sha256-canonical-json-v1"

type canonicalMessageMaterial struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Streaming bool   `json:"streaming"`
}

// ComputeMessageContentHash returns the lowercase-hex SHA-256 of the
// canonical material of a message. Stores use it to skip rewriting a message
// that did not change, e.g. when a snapshot is redelivered.
func ComputeMessageContentHash(role, content string, streaming bool) string {
	b, _ := json.Marshal(canonicalMessageMaterial{
		Role:      strings.TrimSpace(role),
		Content:   content,
		Streaming: streaming,
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
