package prooftoken

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProofProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("verify(s, proof(s)) holds", prop.ForAll(
		func(s string) bool {
			return Verify(s, Proof(s))
		},
		gen.AnyString(),
	))

	properties.Property("verify(s', proof(s)) fails for s' != s", prop.ForAll(
		func(s, other string) bool {
			if s == other {
				return true
			}
			return !Verify(other, Proof(s))
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("computeProof stores a self-verifying pair", prop.ForAll(
		func(s string) bool {
			iss := NewIssuer()
			tok := iss.ComputeProof(s)
			return iss.VerifyToken() && tok.Proof == Proof(s)
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
