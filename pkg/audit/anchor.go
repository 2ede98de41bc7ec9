package audit

import (
	"context"
	"time"

	"github.com/acgs2/agentbus/pkg/contracts"
	"github.com/acgs2/agentbus/pkg/merkle"
)

// DefaultAnchorTimeout bounds one anchor append; a batch that is not
// acknowledged in time stays in the ring for the next flush.
const DefaultAnchorTimeout = 2 * time.Second

// Anchor is the external tamper-evidence sink (blockchain, merkle
// service). Append must acknowledge the whole batch or fail it.
type Anchor interface {
	Append(ctx context.Context, records []*contracts.AuditRecord) (*contracts.BatchReceipt, error)
}

// MerkleAnchor acknowledges batches locally with their Merkle root.
// The default when no external anchor is configured; the receipt still
// commits the batch contents.
type MerkleAnchor struct {
	seq uint64
}

// Append implements Anchor.
func (a *MerkleAnchor) Append(_ context.Context, records []*contracts.AuditRecord) (*contracts.BatchReceipt, error) {
	tree, err := merkle.Build(records)
	if err != nil {
		return nil, err
	}
	a.seq++
	return &contracts.BatchReceipt{MerkleRoot: tree.Root, Seq: a.seq}, nil
}
