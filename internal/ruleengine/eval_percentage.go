// TODO(scale): Current implementation supports 1% granularity (0-100 buckets).
// For canary releases below 1% we would need basis points (0-10000 buckets),
// which changes the type of FeatureFlag.RolloutPercentage.
package ruleengine

import (
	"github.com/spaolacci/murmur3"
)

// AnonymousIdentifier is the stable identifier used for contexts that carry
// neither a subject id nor an IP address. All such callers share one bucket.
const AnonymousIdentifier = "anonymous"

// BucketCount is the number of rollout buckets. A percentage p admits
// buckets [0, p).
const BucketCount = 100

// StableIdentifier picks the identifier a context is bucketed by:
// the subject id when known, else the IP, else AnonymousIdentifier.
func StableIdentifier(ctx EvaluationContext) string {
	switch {
	case ctx.SubjectID != "":
		return ctx.SubjectID
	case ctx.IP != "":
		return ctx.IP
	default:
		return AnonymousIdentifier
	}
}

// Bucket maps an identifier to a slot in [0, BucketCount) for a given flag.
//
// The hash is computed once over "identifier:flagID" with 32-bit Murmur3 and
// reduced modulo BucketCount. It does not depend on the rollout percentage,
// so raising the percentage only ever admits more buckets (sticky rollout),
// and the flag id salt keeps a subject's buckets independent across flags.
//
// Thread-Safety: stateless.
func Bucket(identifier, flagID string) int {
	key := make([]byte, 0, len(identifier)+1+len(flagID))
	key = append(key, identifier...)
	key = append(key, ':')
	key = append(key, flagID...)
	return int(murmur3.Sum32(key) % BucketCount)
}

// InRollout reports whether identifier is admitted by percentage for flagID.
// 0 admits nobody and 100 admits everybody.
func InRollout(identifier, flagID string, percentage int) bool {
	return Bucket(identifier, flagID) < percentage
}
