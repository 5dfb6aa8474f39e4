package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// IdempotencyKey derives the deterministic fingerprint for a single
// attempt of a workflow step: SHA-256(workflow_id ‖ step ‖ attempt). Two
// calls with equal inputs always produce equal output, which is what lets
// the coordinator recognize a duplicate completion/failure report without
// any additional storage.
func IdempotencyKey(workflowID, step string, attempt int) string {
	h := sha256.New()
	h.Write([]byte(workflowID))
	h.Write([]byte(step))
	h.Write([]byte(strconv.Itoa(attempt)))
	return hex.EncodeToString(h.Sum(nil))
}
