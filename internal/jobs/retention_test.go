package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRetention(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		maxJobs int
		maxAge  time.Duration
		want    RetentionPolicy
		wantErr bool
	}{
		{name: "default", mode: "", want: KeepAll{}},
		{name: "none", mode: "none", want: KeepAll{}},
		{name: "max jobs", mode: "max-jobs", maxJobs: 10, want: MaxJobs{Limit: 10}},
		{name: "max jobs without limit", mode: "max-jobs", wantErr: true},
		{name: "max age", mode: " MAX-AGE ", maxAge: time.Hour, want: MaxAge{Age: time.Hour}},
		{name: "max age without age", mode: "max-age", wantErr: true},
		{name: "unknown", mode: "lru", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRetention(tt.mode, tt.maxJobs, tt.maxAge)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
