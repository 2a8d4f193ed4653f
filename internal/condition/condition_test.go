package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func debianCtx() Context {
	return Context{
		HostID: "web1",
		Facts: map[string]interface{}{
			"os_family": "debian",
			"cpu_count": 8,
			"memory_mb": 15872,
			"os":        "linux",
		},
	}
}

func TestNilExprIsTrue(t *testing.T) {
	ok, err := EvalBool(nil, debianCtx())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFactComparison(t *testing.T) {
	cases := []struct {
		name string
		expr Expr
		want bool
	}{
		{"eq string", Cmp{OpEq, FactRef{"os_family"}, Lit{"debian"}}, true},
		{"ne string", Cmp{OpNe, FactRef{"os_family"}, Lit{"rhel"}}, true},
		{"gt number", Cmp{OpGt, FactRef{"cpu_count"}, Lit{4}}, true},
		{"le number", Cmp{OpLe, FactRef{"memory_mb"}, Lit{1024}}, false},
		{"numeric string coerced", Cmp{OpGe, FactRef{"cpu_count"}, Lit{"8"}}, true},
		{"missing fact is nil", Cmp{OpEq, FactRef{"nope"}, Lit{""}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvalBool(tc.expr, debianCtx())
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBooleanConnectives(t *testing.T) {
	isDebian := Cmp{OpEq, FactRef{"os_family"}, Lit{"debian"}}
	isArm := Cmp{OpEq, FactRef{"arch"}, Lit{"aarch64"}}

	got, err := EvalBool(And{isDebian, Not{isArm}}, debianCtx())
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvalBool(Or{isArm, isDebian}, debianCtx())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestShortCircuit(t *testing.T) {
	// The right operand is a malformed node; short-circuiting means it is
	// never evaluated.
	bad := In{Lit{"x"}, Lit{"not-a-list"}}

	got, err := EvalBool(And{Lit{false}, bad}, debianCtx())
	require.NoError(t, err)
	assert.False(t, got)

	got, err = EvalBool(Or{Lit{true}, bad}, debianCtx())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestInMembership(t *testing.T) {
	families := Lit{[]interface{}{"debian", "rhel"}}
	got, err := EvalBool(In{FactRef{"os_family"}, families}, debianCtx())
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvalBool(In{Lit{"alpine"}, families}, debianCtx())
	require.NoError(t, err)
	assert.False(t, got)
}

func TestInRequiresList(t *testing.T) {
	_, err := EvalBool(In{Lit{"x"}, Lit{42}}, debianCtx())
	assert.Error(t, err)
}

type bogusExpr struct{}

func (bogusExpr) expr() {}

func TestUnknownNodeIsError(t *testing.T) {
	_, err := EvalBool(bogusExpr{}, debianCtx())
	assert.Error(t, err)
}
