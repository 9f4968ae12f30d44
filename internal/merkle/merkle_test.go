package merkle

import (
	"crypto/sha256"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestBuildAndVerify_SmallBatch(t *testing.T) {
	leaves := make([][32]byte, 4)
	for i := range leaves {
		leaves[i] = sha256.Sum256([]byte{byte(i)})
	}

	tree, err := Build(leaves)
	require.NoError(t, err)
	root := tree.Root()

	for i := range leaves {
		proof, err := tree.Proof(i)
		require.NoError(t, err)
		require.True(t, VerifyProof(leaves[i], proof, root), "leaf %d should verify", i)
	}
}

func TestVerify_OddLeafCount(t *testing.T) {
	leaves := make([][32]byte, 5)
	for i := range leaves {
		leaves[i] = sha256.Sum256([]byte{byte(i), byte(i)})
	}
	tree, err := Build(leaves)
	require.NoError(t, err)
	root := tree.Root()

	for i := range leaves {
		proof, err := tree.Proof(i)
		require.NoError(t, err)
		require.True(t, VerifyProof(leaves[i], proof, root))
	}
}

func TestVerify_MutatedLeafFails(t *testing.T) {
	leaves := make([][32]byte, 4)
	for i := range leaves {
		leaves[i] = sha256.Sum256([]byte{byte(i)})
	}
	tree, err := Build(leaves)
	require.NoError(t, err)
	root := tree.Root()

	proof, err := tree.Proof(2)
	require.NoError(t, err)

	mutated := leaves[2]
	mutated[0] ^= 0xFF
	require.False(t, VerifyProof(mutated, proof, root))
}

func TestVerify_MutatedSiblingFails(t *testing.T) {
	leaves := make([][32]byte, 4)
	for i := range leaves {
		leaves[i] = sha256.Sum256([]byte{byte(i)})
	}
	tree, err := Build(leaves)
	require.NoError(t, err)
	root := tree.Root()

	proof, err := tree.Proof(1)
	require.NoError(t, err)
	require.NotEmpty(t, proof)
	proof[0].Sibling[0] ^= 0xFF

	require.False(t, VerifyProof(leaves[1], proof, root))
}

// TestProperty_SoundnessAndCompleteness exercises spec.md §8's
// universally-quantified Merkle property across generated batch sizes
// and leaf contents instead of a handful of hand-picked cases.
func TestProperty_SoundnessAndCompleteness(t *testing.T) {
	params := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(params)

	properties.Property("every leaf verifies against its root and a mutated leaf does not", prop.ForAll(
		func(seeds []byte) bool {
			if len(seeds) == 0 {
				return true
			}
			leaves := make([][32]byte, len(seeds))
			for i, s := range seeds {
				leaves[i] = sha256.Sum256([]byte{s, byte(i)})
			}
			tree, err := Build(leaves)
			if err != nil {
				return false
			}
			root := tree.Root()
			for i := range leaves {
				proof, err := tree.Proof(i)
				if err != nil {
					return false
				}
				if !VerifyProof(leaves[i], proof, root) {
					return false
				}
				mutated := leaves[i]
				mutated[0] ^= 0xFF
				if VerifyProof(mutated, proof, root) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8Range(0, 255)),
	))

	properties.TestingRun(t)
}
