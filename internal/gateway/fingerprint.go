package gateway

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oakhill/modelgate/internal/provider"
)

// Fingerprint derives the deterministic cache key for a request. Only
// fields that affect the upstream output participate: the requested
// target, the prompt, the generation parameters, and the response-format
// schema. Request IDs, trace metadata and timestamps are excluded because
// they vary run to run without changing the logical request. Serialization
// order is fixed here, so semantically equal requests hash identically no
// matter how their fields arrived on the wire.
func Fingerprint(namespace, target string, messages []provider.Message, maxTokens int, temperature float64, rf *provider.ResponseFormat) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("target:%s", target))
	for _, m := range messages {
		sb.WriteString(fmt.Sprintf("|msg:%s\x1f%s", m.Role, m.Content))
	}
	sb.WriteString(fmt.Sprintf("|temp:%.4f", temperature))
	if maxTokens > 0 {
		sb.WriteString(fmt.Sprintf("|max_tokens:%d", maxTokens))
	}
	if rf != nil {
		sb.WriteString(fmt.Sprintf("|format:%s\x1f%s", rf.Name, compactJSON(rf.Schema)))
	}

	sum := sha256.Sum256([]byte(sb.String()))
	hash := hex.EncodeToString(sum[:])

	if namespace == "" {
		return hash
	}
	return namespace + ":" + hash
}

// compactJSON strips insignificant whitespace so formatting differences do
// not change the fingerprint.
func compactJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
