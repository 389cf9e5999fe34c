package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFreeText(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "plain name", input: "Large loss watch", wantErr: false},
		{name: "empty", input: "", wantErr: false},
		{name: "punctuation", input: "PM desk - 3% stop", wantErr: false},
		{name: "mrkdwn link injection", input: "<http://evil|click>", wantErr: true},
		{name: "code fence", input: "`rm -rf`", wantErr: true},
		{name: "control characters", input: "alert\x00name", wantErr: true},
		{name: "over length", input: strings.Repeat("a", 200), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFreeText(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
