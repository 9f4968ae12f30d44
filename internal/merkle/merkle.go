// Package merkle builds Merkle trees over SHA-256 leaves and produces
// inclusion proofs, per spec.md §4.5 step 2 and the soundness/
// completeness properties in §8.
package merkle

import (
	"crypto/sha256"

	"github.com/Laisky/errors/v2"
)

// Side marks which side of a hash concatenation a sibling sits on when
// recomputing a path to the root.
type Side bool

const (
	Left  Side = false
	Right Side = true
)

// ProofStep is one sibling hash plus its side, spec.md §3 "ordered list
// of sibling hashes with a left/right bit each".
type ProofStep struct {
	Sibling [32]byte
	Side    Side
}

// Tree is a built Merkle tree; levels[0] retains the original leaf order
// so proofs can be generated by index.
type Tree struct {
	levels [][][32]byte // levels[0] = leaves, levels[last] = [root]
}

func hashPair(a, b [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return sha256.Sum256(buf)
}

// LeafHash hashes one canonical leaf payload. Callers are responsible
// for canonicalizing the payload first (spec.md §4.5 step 1).
func LeafHash(canonical []byte) [32]byte {
	return sha256.Sum256(canonical)
}

// Build constructs a Merkle tree from leaf hashes, pairing nodes up the
// levels and carrying an odd last node up unchanged (spec.md §4.5 step
// 2). At least one leaf is required.
func Build(leaves [][32]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, errors.New("merkle: at least one leaf is required")
	}

	levels := make([][][32]byte, 0, 8)
	current := make([][32]byte, len(leaves))
	copy(current, leaves)
	levels = append(levels, current)

	for len(current) > 1 {
		next := make([][32]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 < len(current) {
				next = append(next, hashPair(current[i], current[i+1]))
			} else {
				next = append(next, current[i])
			}
		}
		levels = append(levels, next)
		current = next
	}

	return &Tree{levels: levels}, nil
}

// Root returns the tree's root hash.
func (t *Tree) Root() [32]byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Proof returns the sibling path from leaf index to the root.
func (t *Tree) Proof(index int) ([]ProofStep, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return nil, errors.Errorf("merkle: leaf index %d out of range", index)
	}

	var steps []ProofStep
	idx := index
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		var siblingIdx int
		var side Side
		if idx%2 == 0 {
			siblingIdx = idx + 1
			side = Right
		} else {
			siblingIdx = idx - 1
			side = Left
		}

		if siblingIdx < len(nodes) {
			steps = append(steps, ProofStep{Sibling: nodes[siblingIdx], Side: side})
		}
		// else: idx was the carried-up odd node; no sibling at this level.

		idx /= 2
	}

	return steps, nil
}

// VerifyProof re-derives a root from a leaf and its proof, spec.md §4.5
// step/§8 "Merkle soundness and completeness": mutating any byte of the
// leaf, or any proof sibling, must make this return false.
func VerifyProof(leaf [32]byte, proof []ProofStep, root [32]byte) bool {
	current := leaf
	for _, step := range proof {
		if step.Side == Right {
			current = hashPair(current, step.Sibling)
		} else {
			current = hashPair(step.Sibling, current)
		}
	}
	return current == root
}
