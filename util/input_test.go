package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		limit   int64
		want    string
		wantErr error
	}{
		{name: "unbounded", input: "not an image", limit: 0, want: "not an image"},
		{name: "empty", input: "", limit: 10, want: ""},
		{name: "exactly at limit", input: "12345", limit: 5, want: "12345"},
		{name: "over limit", input: "123456", limit: 5, wantErr: ErrInputTooLarge},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ReadInput(strings.NewReader(tt.input), tt.limit)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestReadInput_NilReader(t *testing.T) {
	_, err := ReadInput(nil, 0)
	assert.Error(t, err)
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).Level(zerolog.DebugLevel)

	Trace(l, "decode")()

	assert.Contains(t, buf.String(), `"section":"decode"`)
	assert.Contains(t, buf.String(), `"elapsed"`)
}
