// Package slru implements the stateless SLRU admission rules.
package slru

import "github.com/IvanBrykalov/blobcache/policy"

// fastAdmit admits a new key straight into protected when probation is full
// and protected still has room; otherwise into probation.
type fastAdmit[K comparable] struct{}

// FastAdmit returns the fast-path admission policy. It is the default for
// the segmented cache: while protected is still filling up, new keys skip
// probation instead of churning its single LRU slot.
func FastAdmit[K comparable]() policy.Policy[K] { return fastAdmit[K]{} }

func (p fastAdmit[K]) New() policy.Admission[K] { return p }

func (fastAdmit[K]) Admit(_ K, s policy.State) policy.Segment {
	if s.ProbationFull && !s.ProtectedFull {
		return policy.Protected
	}
	return policy.Probation
}

func (fastAdmit[K]) Forget(K) {}

// classic always admits into probation (textbook SLRU).
type classic[K comparable] struct{}

// Classic returns the textbook SLRU admission policy: every new key starts in
// probation and must be hit again to reach protected.
func Classic[K comparable]() policy.Policy[K] { return classic[K]{} }

func (p classic[K]) New() policy.Admission[K] { return p }

func (classic[K]) Admit(K, policy.State) policy.Segment { return policy.Probation }

func (classic[K]) Forget(K) {}
