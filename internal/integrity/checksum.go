// Package integrity computes tamper-evidence checksums over stored strategy
// snapshots so readers can verify an envelope was not altered after the run
// that wrote it.
package integrity

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

// Prefix tags the hash scheme so the format can change without ambiguity.
const Prefix = "keccak256:"

type digestInput struct {
	Version int64            `json:"version"`
	Count   int              `json:"count"`
	Items   []model.Strategy `json:"items"`
}

// Checksum returns the keccak256 digest of the envelope's version, count and items.
// UpdatedAt and the checksum field itself are not covered.
func Checksum(env model.LatestEnvelope) (string, error) {
	payload, err := json.Marshal(digestInput{Version: env.Version, Count: env.Count, Items: env.Items})
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return Prefix + crypto.Keccak256Hash(payload).Hex(), nil
}

// Seal sets env.Checksum.
func Seal(env *model.LatestEnvelope) error {
	sum, err := Checksum(*env)
	if err != nil {
		return err
	}
	env.Checksum = sum
	return nil
}

// Verify reports whether env carries a checksum matching its content.
// Envelopes written without a checksum verify as false.
func Verify(env model.LatestEnvelope) (bool, error) {
	if env.Checksum == "" {
		return false, nil
	}
	sum, err := Checksum(env)
	if err != nil {
		return false, err
	}
	return sum == env.Checksum, nil
}
