package role

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	for r := range names {
		parsed, err := Parse(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, parsed)
	}

	r, err := Parse("Regulatory-Authority")
	require.NoError(t, err)
	assert.Equal(t, RegulatoryAuthority, r)

	_, err = Parse("nurse")
	assert.Error(t, err)
}

func TestCanRegister(t *testing.T) {
	assert.True(t, Administrator.CanRegister(RegulatoryAuthority))
	assert.True(t, Administrator.CanRegister(Pharmacy))
	assert.True(t, RegulatoryAuthority.CanRegister(Physician))
	assert.True(t, RegulatoryAuthority.CanRegister(Pharmacy))
	assert.False(t, RegulatoryAuthority.CanRegister(Patient))
	assert.True(t, Physician.CanRegister(Patient))
	assert.False(t, Physician.CanRegister(Pharmacy))
	assert.False(t, Patient.CanRegister(Patient))
	assert.False(t, Administrator.CanRegister(Administrator))
	assert.False(t, None.CanRegister(Patient))
}

func TestTextMarshaling(t *testing.T) {
	b, err := Pharmacy.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "pharmacy", string(b))

	var r Role
	require.NoError(t, r.UnmarshalText([]byte("physician")))
	assert.Equal(t, Physician, r)
}
