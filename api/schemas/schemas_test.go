package schemas_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

func TestSessionClone_IsDeep(t *testing.T) {
	t.Parallel()
	orig := &schemas.Session{
		Cookies:      []schemas.Cookie{{Name: "sid", Value: "a", Domain: ".example.com"}},
		LocalStorage: map[string]string{"token": "x"},
		UserAgent:    "ua",
	}

	cp := orig.Clone()
	require.NotNil(t, cp)
	assert.Equal(t, orig, cp)

	cp.Cookies[0].Value = "mutated"
	cp.LocalStorage["token"] = "mutated"
	cp.LocalStorage["extra"] = "y"

	assert.Equal(t, "a", orig.Cookies[0].Value)
	assert.Equal(t, map[string]string{"token": "x"}, orig.LocalStorage)

	var nilSession *schemas.Session
	assert.Nil(t, nilSession.Clone())
}

func TestElementQueryValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		query   schemas.ElementQuery
		wantErr string
	}{
		{
			name: "valid",
			query: schemas.ElementQuery{Name: "search", Strategies: []schemas.Strategy{
				{Kind: schemas.StrategyCSS, Value: `input[type="search"]`},
				{Kind: schemas.StrategyHeuristic, Keywords: []string{"search"}},
			}},
		},
		{name: "empty", query: schemas.ElementQuery{Name: "x"}, wantErr: "no strategies"},
		{
			name:    "unknown kind",
			query:   schemas.ElementQuery{Name: "x", Strategies: []schemas.Strategy{{Kind: "xpath", Value: "//a"}}},
			wantErr: "unknown kind",
		},
		{
			name:    "css without value",
			query:   schemas.ElementQuery{Name: "x", Strategies: []schemas.Strategy{{Kind: schemas.StrategyCSS}}},
			wantErr: "value is required",
		},
		{
			name:    "role without role",
			query:   schemas.ElementQuery{Name: "x", Strategies: []schemas.Strategy{{Kind: schemas.StrategyRoleText, Value: "Go"}}},
			wantErr: "role is required",
		},
		{
			name: "negative timeout",
			query: schemas.ElementQuery{Name: "x", Timeout: -time.Second, Strategies: []schemas.Strategy{
				{Kind: schemas.StrategyCSS, Value: "a"},
			}},
			wantErr: "negative timeout",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.query.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestStateRank(t *testing.T) {
	t.Parallel()
	assert.Less(t, schemas.StateNavStart.Rank(), schemas.StateSearch.Rank())
	assert.Less(t, schemas.StateTransform.Rank(), schemas.StateDownload.Rank())
	assert.Less(t, schemas.StateDownload.Rank(), schemas.StateVerify.Rank())
	assert.Equal(t, -1, schemas.StateFailed.Rank())
	assert.True(t, schemas.StateFailed.Terminal())
	assert.True(t, schemas.StateDone.Terminal())
	assert.False(t, schemas.StateVerify.Terminal())
}
