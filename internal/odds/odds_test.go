package odds

import (
	"testing"

	"oracle-market/internal/storage"
)

func TestCalculate(t *testing.T) {
	cases := []struct {
		name      string
		positions []storage.Position
		want      Odds
	}{
		{name: "empty", positions: nil, want: Odds{Yes: 50, No: 50}},
		{
			name: "confidence weighted",
			positions: []storage.Position{
				{Side: storage.SideYes, Stake: 10, Confidence: 0.8},
				{Side: storage.SideNo, Stake: 10, Confidence: 0.2},
			},
			want: Odds{Yes: 80, No: 20},
		},
		{
			name: "zero weight",
			positions: []storage.Position{
				{Side: storage.SideYes, Stake: 0, Confidence: 0.9},
			},
			want: Odds{Yes: 50, No: 50},
		},
		{
			name: "one sided",
			positions: []storage.Position{
				{Side: storage.SideNo, Stake: 25, Confidence: 0.7},
			},
			want: Odds{Yes: 0, No: 100},
		},
		{
			name: "rounded to one decimal",
			positions: []storage.Position{
				{Side: storage.SideYes, Stake: 1, Confidence: 0.5},
				{Side: storage.SideNo, Stake: 2, Confidence: 0.5},
			},
			want: Odds{Yes: 33.3, No: 66.7},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Calculate(tc.positions)
			if got != tc.want {
				t.Fatalf("赔率计算错误: 期望 %+v, 实际 %+v", tc.want, got)
			}
		})
	}
}

func TestLowConfidenceStakeMovesOddsLess(t *testing.T) {
	confident := Calculate([]storage.Position{
		{Side: storage.SideYes, Stake: 100, Confidence: 0.9},
		{Side: storage.SideNo, Stake: 100, Confidence: 0.5},
	})
	if confident.Yes <= confident.No {
		t.Fatalf("高信心一方应占优: %+v", confident)
	}
}

func TestTotalStaked(t *testing.T) {
	got := TotalStaked([]storage.Position{{Stake: 0.1}, {Stake: 0.2}})
	if got != 0.3 {
		t.Fatalf("总质押应为 0.3, 实际 %v", got)
	}
}
