package state

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLadderMissing(t *testing.T) {
	l := Ladder{
		BuyOrderIDs:  []string{"1", "2", "3"},
		SellOrderIDs: []string{"4", "5"},
	}

	assert.Equal(t, []string{"2", "5"}, l.Missing([]string{"1", "3", "4", "99"}))
	assert.Empty(t, l.Missing([]string{"1", "2", "3", "4", "5"}))
	assert.Equal(t, l.Tracked(), l.Missing(nil))
	assert.True(t, l.IsBuy("2"))
	assert.False(t, l.IsBuy("4"))
}

func TestLadderValidate(t *testing.T) {
	step := decimal.NewFromInt(1000)

	tests := []struct {
		name    string
		ladder  Ladder
		wantErr bool
	}{
		{
			name:   "empty",
			ladder: Empty(),
		},
		{
			name: "full and aligned",
			ladder: Ladder{
				BuyOrderIDs:    []string{"1", "2", "3"},
				SellOrderIDs:   []string{"4", "5", "6"},
				ReferencePrice: decimal.NewFromInt(65000),
			},
		},
		{
			name: "too many buys",
			ladder: Ladder{
				BuyOrderIDs:    []string{"1", "2", "3", "4"},
				ReferencePrice: decimal.NewFromInt(65000),
			},
			wantErr: true,
		},
		{
			name: "misaligned reference",
			ladder: Ladder{
				ReferencePrice: decimal.NewFromInt(65432),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ladder.Validate(3, step)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLadderCloneIsIndependent(t *testing.T) {
	l := Ladder{BuyOrderIDs: []string{"1"}, SellOrderIDs: []string{"2"}}
	c := l.Clone()
	c.BuyOrderIDs[0] = "changed"

	require.Equal(t, "1", l.BuyOrderIDs[0])
	assert.True(t, Empty().IsEmpty())
	assert.False(t, l.IsEmpty())
}
