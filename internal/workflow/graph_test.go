package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/internal/fault"
)

func TestBuildRuntimeGraphAdjacency(t *testing.T) {
	rg, err := BuildRuntimeGraph(gatewayGraph())
	require.NoError(t, err)

	start, err := rg.StartNode()
	require.NoError(t, err)
	require.Equal(t, "start", start.ID)

	require.Equal(t, []string{"review", "end"}, rg.SuccessorKeys("gate"))
	require.Equal(t, []string{"gate", "review"}, rg.PredecessorKeys("end"))
	require.Equal(t, 4, rg.NodeCount())
}

func TestResolveGatewayTarget(t *testing.T) {
	rg, err := BuildRuntimeGraph(gatewayGraph())
	require.NoError(t, err)

	target, err := rg.ResolveGatewayTarget("gate", true)
	require.NoError(t, err)
	require.Equal(t, "review", target)

	target, err = rg.ResolveGatewayTarget("gate", false)
	require.NoError(t, err)
	require.Equal(t, "end", target)

	_, err = rg.ResolveGatewayTarget("review", true)
	require.True(t, fault.IsConflict(err), "unlabeled outcome must surface as a conflict, got %v", err)
}

func TestParseBranch(t *testing.T) {
	for _, tc := range []struct {
		name      string
		condition map[string]any
		want      *bool
		wantErr   bool
	}{
		{name: "missing condition", condition: nil, want: nil},
		{name: "boolean true", condition: map[string]any{"branch": true}, want: boolPtr(true)},
		{name: "string false", condition: map[string]any{"branch": "FALSE"}, want: boolPtr(false)},
		{name: "string true mixed case", condition: map[string]any{"branch": "True"}, want: boolPtr(true)},
		{name: "non-boolean", condition: map[string]any{"branch": 7}, wantErr: true},
		{name: "arbitrary string", condition: map[string]any{"branch": "yes"}, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseBranch(tc.condition)
			if tc.wantErr {
				require.True(t, fault.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			if tc.want == nil {
				require.Nil(t, got)
			} else {
				require.NotNil(t, got)
				require.Equal(t, *tc.want, *got)
			}
		})
	}
}

func boolPtr(v bool) *bool { return &v }
