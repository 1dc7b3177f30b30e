package model

import "testing"

func TestNormalizeSideAliases(t *testing.T) {
	cases := []struct {
		in   string
		want Side
		ok   bool
	}{
		{"BUY", SideBuy, true},
		{"buy", SideBuy, true},
		{"B", SideBuy, true},
		{"b", SideBuy, true},
		{"SELL", SideSell, true},
		{"sell", SideSell, true},
		{"S", SideSell, true},
		{"s", SideSell, true},
		{"A", SideSell, true},
		{"a", SideSell, true},
		{"Buy", SideBuy, true},
		{"Sell", SideSell, true},
		{"Ask", "", false},
		{"bId", "", false},
		{"LONG", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := NormalizeSide(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("NormalizeSide(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}
