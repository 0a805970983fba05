package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardliu001/courier/internal/retry"
)

type amountChanged struct {
	Amount int `json:"amount"`
}

func (amountChanged) TypeName() string { return "test.AmountChanged" }

func TestRegistry_EncodeDecode(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Of[amountChanged](Integration("wallet"), WithRetry(retry.Policy{MaxTries: 3}))))

	name, blob, err := r.Encode(&amountChanged{Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, "test.AmountChanged", name)
	assert.JSONEq(t, `{"amount":100}`, blob)

	v, err := r.Decode(name, blob)
	require.NoError(t, err)
	assert.Equal(t, &amountChanged{Amount: 100}, v)

	d, ok := r.Lookup(name)
	require.True(t, ok)
	assert.True(t, d.Integration)
	assert.Equal(t, "wallet", d.Topic)
	assert.Equal(t, 3, d.Retry.MaxTries)
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Of[amountChanged]()))
	assert.ErrorIs(t, r.Register(Of[amountChanged]()), ErrDuplicateType)

	_, err := r.Decode("missing.Type", "{}")
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = r.Decode("test.AmountChanged", "not json")
	assert.ErrorIs(t, err, ErrUnknownType)

	_, _, err = r.Encode(struct{}{})
	assert.ErrorIs(t, err, ErrUnnamed)

	v, err := r.Decode("", "")
	assert.NoError(t, err)
	assert.Nil(t, v)
}
