package convo

import "testing"

func TestIsConfirmation(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"yes", true},
		{"YES", true},
		{"yes please", true},
		{"go ahead", true},
		{"sawa, proceed", true},
		{"lipa sasa", true},
		{"174379", false},
		{"how much is it?", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsConfirmation(tc.text); got != tc.want {
			t.Errorf("IsConfirmation(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestIsCancellation(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"cancel", true},
		{"CANCEL that", true},
		{"no", true},
		{"never mind", true},
		{"not now thanks", false},
		{"now", false},
		{"yes", false},
	}
	for _, tc := range cases {
		if got := IsCancellation(tc.text); got != tc.want {
			t.Errorf("IsCancellation(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}
