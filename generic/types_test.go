package generic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtrack/leave-ledger/generic"
)

func TestBalancesClone(t *testing.T) {
	var nilBalances generic.Balances
	clone := nilBalances.Clone()
	require.NotNil(t, clone)

	orig := generic.Balances{"annual": 14}
	cp := orig.Clone()
	cp["annual"] = 1
	assert.Equal(t, 14, orig["annual"])
}
