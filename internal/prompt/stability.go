package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"npcmind/internal/logging"
)

// sampleLen bounds the old/new text samples carried in a violation report.
const sampleLen = 120

// StabilityViolation reports unexpected drift of a static prefix under an
// unchanged boundary policy.
type StabilityViolation struct {
	Key       string
	Policy    BoundaryPolicy
	OldHash   string
	NewHash   string
	OldSample string
	NewSample string
}

// Error formats the violation as an error message.
func (v *StabilityViolation) Error() string {
	return fmt.Sprintf("static prefix drift for key %q (policy %s): hash %s -> %s; old=%q new=%q",
		v.Key, v.Policy, v.OldHash, v.NewHash, v.OldSample, v.NewSample)
}

type prefixBaseline struct {
	hash   string
	policy BoundaryPolicy
	sample string
}

// StabilityValidator is a diagnostic safety net around the cache-prefix
// invariant. It hashes the first-seen static prefix per key (typically per
// NPC) and flags any later drift under the same boundary policy. It never
// blocks generation, only reports; multiple sessions may validate
// different keys concurrently.
type StabilityValidator struct {
	mu        sync.Mutex
	baselines map[string]prefixBaseline

	// strict makes Check return the violation as an error as well.
	strict bool
}

// NewStabilityValidator creates a validator. With strict set, Check also
// returns detected violations as errors.
func NewStabilityValidator(strict bool) *StabilityValidator {
	return &StabilityValidator{
		baselines: make(map[string]prefixBaseline),
		strict:    strict,
	}
}

// Check records or verifies the static prefix for key. A changed boundary
// policy resets the baseline (expected invalidation). An unchanged policy
// with a differing hash yields a violation.
func (sv *StabilityValidator) Check(key, staticPrefix string, policy BoundaryPolicy) (*StabilityViolation, error) {
	sum := sha256.Sum256([]byte(staticPrefix))
	hash := hex.EncodeToString(sum[:])

	sv.mu.Lock()
	defer sv.mu.Unlock()

	base, seen := sv.baselines[key]
	if !seen || base.policy != policy {
		if seen {
			logging.PromptDebug("stability baseline reset for key %q: policy %s -> %s",
				key, base.policy, policy)
		}
		sv.baselines[key] = prefixBaseline{
			hash:   hash,
			policy: policy,
			sample: truncateSample(staticPrefix),
		}
		return nil, nil
	}

	if base.hash == hash {
		return nil, nil
	}

	v := &StabilityViolation{
		Key:       key,
		Policy:    policy,
		OldHash:   base.hash,
		NewHash:   hash,
		OldSample: base.sample,
		NewSample: truncateSample(staticPrefix),
	}

	logging.PromptWarn("cache prefix instability: %v", v)

	// New content becomes the baseline so a single drift is reported once.
	sv.baselines[key] = prefixBaseline{
		hash:   hash,
		policy: policy,
		sample: truncateSample(staticPrefix),
	}

	if sv.strict {
		return v, v
	}
	return v, nil
}

// Reset forgets the baseline for key.
func (sv *StabilityValidator) Reset(key string) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	delete(sv.baselines, key)
}

func truncateSample(s string) string {
	if len(s) <= sampleLen {
		return s
	}
	return s[:sampleLen] + "..."
}
