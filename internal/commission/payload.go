package commission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/solatis/crmrules/internal/codec"
	"github.com/solatis/crmrules/internal/types"
)

// PolicyPayload is the serializable result of a policy edit session.
type PolicyPayload struct {
	Policies         []PolicyEntry    `json:"policies"`
	DeletedPolicyIDs []types.PolicyID `json:"deletedPolicyIds"`
}

// PolicyEntry pairs a policy's identity with its codec blob.
type PolicyEntry struct {
	PolicyID types.PolicyID  `json:"policyId,omitempty"`
	RowID    types.RowID     `json:"rowId"`
	Serial   int             `json:"serial"`
	Payload  json.RawMessage `json:"payload"`
}

// PolicyAck maps session row identities to store-assigned policy ids.
type PolicyAck struct {
	Policies []PolicyAckEntry `json:"policies"`
}

// PolicyAckEntry is the identity assignment for one policy.
type PolicyAckEntry struct {
	RowID    types.RowID    `json:"rowId"`
	PolicyID types.PolicyID `json:"policyId"`
}

// PolicyStore loads and persists the commission policies of a scope.
// Implemented by store.Repository and client.Client.
type PolicyStore interface {
	LoadPolicies(ctx context.Context, scope string) ([]*types.CommissionPolicy, error)
	PersistPolicies(ctx context.Context, scope string, payload PolicyPayload) (PolicyAck, error)
}

// BuildPayload encodes policies in order with 1-based serials.
func BuildPayload(policies []*types.CommissionPolicy, deleted []types.PolicyID) (PolicyPayload, error) {
	p := PolicyPayload{
		Policies:         make([]PolicyEntry, 0, len(policies)),
		DeletedPolicyIDs: append([]types.PolicyID{}, deleted...),
	}
	for i, policy := range policies {
		blob, err := codec.EncodePolicy(policy)
		if err != nil {
			return PolicyPayload{}, fmt.Errorf("%s: %w", PolicyPath(i), err)
		}
		p.Policies = append(p.Policies, PolicyEntry{
			PolicyID: policy.ID,
			RowID:    policy.RowID,
			Serial:   i + 1,
			Payload:  blob,
		})
	}
	return p, nil
}

// PoliciesFromPayload decodes a payload received over the wire.
func PoliciesFromPayload(p PolicyPayload) ([]*types.CommissionPolicy, error) {
	if len(p.Policies) > types.MaxPoliciesPerScope {
		return nil, fmt.Errorf("%w: %d policies (max %d)", types.ErrTooManyRows, len(p.Policies), types.MaxPoliciesPerScope)
	}

	out := make([]*types.CommissionPolicy, 0, len(p.Policies))
	for i, entry := range p.Policies {
		policy, err := codec.DecodePolicy(entry.Payload)
		if err != nil {
			return nil, err
		}
		if len(policy.Ranges) > types.MaxRangesPerPolicy {
			return nil, fmt.Errorf("%w: %s has %d ranges (max %d)",
				types.ErrTooManyRows, PolicyPath(i), len(policy.Ranges), types.MaxRangesPerPolicy)
		}
		policy.ID = entry.PolicyID
		policy.RowID = entry.RowID
		if policy.RowID == "" {
			policy.RowID = types.NewRowID()
		}
		policy.Serial = i + 1
		out = append(out, policy)
	}
	return out, nil
}
