package main

import (
	"net/http/httptest"
	"testing"
)

func TestCallbackCode(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    string
		wantErr bool
	}{
		{"ok", "?state=s1&code=abc", "abc", false},
		{"wrong state", "?state=other&code=abc", "", true},
		{"denied", "?state=s1&error=access_denied", "", true},
		{"no code", "?state=s1", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/callback"+tt.query, nil)
			got, err := callbackCode(r, "s1")
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("got %q (%v), want %q wantErr=%v", got, err, tt.want, tt.wantErr)
			}
		})
	}
	if randomState() == randomState() {
		t.Error("states should not repeat")
	}
}
