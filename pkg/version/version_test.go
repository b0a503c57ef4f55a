package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		major uint16
		minor uint16
	}{
		{"1.0", 1, 0},
		{"1.1", 1, 1},
		{"10.23", 10, 23},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.major, v.Major)
			assert.Equal(t, tt.minor, v.Minor)
			assert.Equal(t, tt.input, v.String())
		})
	}

	for _, input := range []string{"", "1", "abc", "1.0.0", "1.x", "-1.0", ".1"} {
		t.Run("Invalid/"+input, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestCompatible(t *testing.T) {
	assert.True(t, MustParse("1.0").Compatible(MustParse("1.1")))
	assert.False(t, MustParse("1.0").Compatible(MustParse("2.0")))

	assert.True(t, CompatibleString("1.7"))
	assert.False(t, CompatibleString("2.0"))
	assert.False(t, CompatibleString("garbage"))

	assert.Panics(t, func() { MustParse("x") })
}

func TestALPN(t *testing.T) {
	assert.Equal(t, "vss-broker/1", ALPNProtocol(1))
	assert.Equal(t, []string{"vss-broker/1"}, SupportedALPNProtocols())

	tests := []struct {
		input   string
		want    uint16
		wantErr bool
	}{
		{"vss-broker/1", 1, false},
		{"vss-broker/12", 12, false},
		{"http/1.1", 0, true},
		{"vss-broker/", 0, true},
		{"vss-broker/abc", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := MajorFromALPN(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
