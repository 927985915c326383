// Package shuffle provides the deterministic permutation used to pick
// moderators. The hash-to-float function and both shuffle variants are wire
// policy: every node must derive the identical permutation from the same
// seed, so the arithmetic here is fixed bit-for-bit. Not a cryptographic
// RNG; reproducibility for audit is the goal.
package shuffle

import "strconv"

const hashModulus = 2147483647

// unit maps a seed string to a float in [0,1): x = (x*31 + byte) mod
// 2^31-1 over the seed bytes, divided by the modulus.
func unit(seed string) float64 {
	var x int64
	for i := 0; i < len(seed); i++ {
		x = (x*31 + int64(seed[i])) % hashModulus
	}
	return float64(x) / hashModulus
}

// Fixed is a Fisher-Yates pass where every draw reuses the single unit
// value hashed from the seed. Used for report moderator selection.
func Fixed(items []string, seed string) []string {
	out := append([]string(nil), items...)
	u := unit(seed)
	for i := len(out) - 1; i > 0; i-- {
		j := int(u * float64(i+1))
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// PerIndex is a Fisher-Yates pass that rehashes the seed with the remaining
// element count on every draw: the draw over m elements uses seed plus the
// decimal form of m. Used for appeal moderator selection.
func PerIndex(items []string, seed string) []string {
	out := append([]string(nil), items...)
	for m := len(out); m > 1; m-- {
		u := unit(seed + strconv.Itoa(m))
		j := int(u * float64(m))
		out[m-1], out[j] = out[j], out[m-1]
	}
	return out
}
