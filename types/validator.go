package types

// Validator is a row in the stake table. Validators are created and removed
// by an external staking process; the consensus engine only consumes the
// current set and its weights.
type Validator struct {
	ID        string `cbor:"1,keyasint"`
	Stake     int64  `cbor:"2,keyasint"`
	PublicKey []byte `cbor:"3,keyasint"`
}

// StakeTable is an immutable snapshot of the active validator set. Updates
// are applied as a full-table swap so a single validation pass never
// observes a mix of old and new stake values.
type StakeTable struct {
	Validators map[string]Validator
	TotalStake int64
}

// NewStakeTable builds a snapshot from a validator list, dropping entries
// with non-positive stake.
func NewStakeTable(validators []Validator) *StakeTable {
	table := &StakeTable{Validators: make(map[string]Validator, len(validators))}
	for _, v := range validators {
		if v.Stake <= 0 {
			continue
		}
		table.Validators[v.ID] = v
		table.TotalStake += v.Stake
	}
	return table
}

// IDs returns the validator ids in the table, in no particular order.
func (t *StakeTable) IDs() []string {
	ids := make([]string, 0, len(t.Validators))
	for id := range t.Validators {
		ids = append(ids, id)
	}
	return ids
}
