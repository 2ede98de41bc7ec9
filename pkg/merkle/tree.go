// Package merkle builds the tree whose root anchors a batch of audit
// records. Leaf and node hashes are domain-separated so a leaf can
// never be replayed as an interior node.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/acgs2/agentbus/pkg/canonicalize"
	"github.com/acgs2/agentbus/pkg/contracts"
)

const (
	leafPrefix = "acgs2:audit:leaf:v1"
	nodePrefix = "acgs2:audit:node:v1"
)

// Leaf is one audit record's position in the tree.
type Leaf struct {
	RecordID  string
	LeafBytes []byte
	LeafHash  string
}

// Tree is a Merkle tree over a batch of audit records.
type Tree struct {
	Leaves []Leaf
	Root   string
	Nodes  [][]string // levels, leaves first
}

// Build constructs the tree over the batch in record order. Records
// are canonicalized before hashing so the root is independent of map
// iteration order.
func Build(records []*contracts.AuditRecord) (*Tree, error) {
	if len(records) == 0 {
		return &Tree{}, nil
	}

	leaves := make([]Leaf, len(records))
	for i, rec := range records {
		canonical, err := canonicalize.JCS(rec)
		if err != nil {
			return nil, fmt.Errorf("merkle: canonicalize record %s: %w", rec.RecordID, err)
		}
		leafBytes := buildLeafBytes(rec.RecordID, canonical)
		leaves[i] = Leaf{
			RecordID:  rec.RecordID,
			LeafBytes: leafBytes,
			LeafHash:  sha256Hex(leafBytes),
		}
	}

	tree := &Tree{Leaves: leaves}
	level := make([]string, len(leaves))
	for i, l := range leaves {
		level[i] = l.LeafHash
	}
	for len(level) > 1 {
		tree.Nodes = append(tree.Nodes, level)
		level = buildNextLevel(level)
	}
	tree.Nodes = append(tree.Nodes, level)
	tree.Root = level[0]
	return tree, nil
}

func buildLeafBytes(recordID string, canonical []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(recordID)
	buf.WriteByte(0)
	buf.Write(canonical)
	return buf.Bytes()
}

func buildNextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1])
		count++
	}
	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = buildNodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func buildNodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
