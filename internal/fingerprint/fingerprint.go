// Package fingerprint computes the deterministic hash that identifies
// cache-equivalent requests.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/wayfarerhq/llm-gateway/internal/domain"
)

// normalized is the exact set of fields that determine a response. Tenant and
// user identifiers are deliberately excluded: task type and payload fully
// determine the output, so identical fingerprints are cache-equivalent across
// tenants.
type normalized struct {
	TaskType    domain.TaskType `json:"task_type"`
	Prompt      string          `json:"prompt"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float32         `json:"temperature"`
	Model       string          `json:"model"`
}

// Compute returns the hex-encoded SHA-256 fingerprint for a request.
func Compute(req *domain.Request) string {
	data, _ := json.Marshal(normalized{
		TaskType:    req.TaskType,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Model:       req.PreferredModel,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
