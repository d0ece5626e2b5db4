package factory_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtrack/leave-ledger/factory"
	"github.com/fieldtrack/leave-ledger/generic"
	"github.com/fieldtrack/leave-ledger/leave"
)

func TestParsePolicy_EmptyDocumentIsDefault(t *testing.T) {
	policy, cycle, err := factory.ParsePolicy([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, leave.DefaultPolicy(), policy)
	assert.Equal(t, generic.DefaultPayCycle, cycle)
}

func TestParsePolicy_OverridesAllotmentsAndCycle(t *testing.T) {
	policy, cycle, err := factory.ParsePolicy([]byte(`{
		"allotments": {"annual": 21, "absent_with_permission": 2},
		"pay_cycle_start_day": 25
	}`))
	require.NoError(t, err)

	assert.Equal(t, 21, policy.Allotment(leave.Annual))
	assert.Equal(t, 7, policy.Allotment(leave.Casual))
	assert.Equal(t, 2, policy.Allotment(leave.AbsentWithPermission))
	assert.True(t, policy.IsDebited(leave.Annual))
	assert.Equal(t, 25, cycle.StartDay)
}

func TestParsePolicy_DebitedListReplacesDefault(t *testing.T) {
	policy, _, err := factory.ParsePolicy([]byte(`{"debited": ["annual"]}`))
	require.NoError(t, err)
	assert.Equal(t, []leave.Type{leave.Annual}, policy.DebitedTypes())
}

func TestParsePolicy_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown allotment type", `{"allotments": {"vacation": 5}}`},
		{"negative allotment", `{"allotments": {"annual": -1}}`},
		{"debiting sick", `{"debited": ["sick"]}`},
		{"unknown debited type", `{"debited": ["vacation"]}`},
		{"start day too late", `{"pay_cycle_start_day": 31}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := factory.ParsePolicy([]byte(tt.doc))
			assert.ErrorIs(t, err, generic.ErrInvalidInput)
		})
	}

	_, _, err := factory.ParsePolicy([]byte(`{not json`))
	assert.Error(t, err)
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"allotments": {"casual": 10}}`), 0o600))

	policy, _, err := factory.LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 10, policy.Allotment(leave.Casual))

	_, _, err = factory.LoadPolicyFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestToJSON_RoundTrip(t *testing.T) {
	pj := factory.ToJSON(leave.DefaultPolicy(), generic.DefaultPayCycle)
	assert.Equal(t, []string{"absent_with_permission", "annual", "casual"}, pj.Debited)

	policy, cycle, err := factory.FromJSON(pj)
	require.NoError(t, err)
	assert.Equal(t, leave.DefaultPolicy(), policy)
	assert.Equal(t, generic.DefaultPayCycle, cycle)
}
