package kdf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mlacage/ssops/internal/sserrors"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	record, err := Wrap([]byte("correct horse battery staple"), []byte("a little secret"))
	require.NoError(t, err)
	require.Equal(t, recordType, record.Type)

	plaintext, err := Unwrap([]byte("correct horse battery staple"), record)
	require.NoError(t, err)
	require.Equal(t, []byte("a little secret"), plaintext)
}

func TestUnwrapBadPassphrase(t *testing.T) {
	record, err := Wrap([]byte("right"), []byte("payload"))
	require.NoError(t, err)

	_, err = Unwrap([]byte("wrong"), record)
	require.Error(t, err)
	require.True(t, sserrors.Is(err, sserrors.BadPassphrase))
}

func TestUnwrapTamperedCiphertextFails(t *testing.T) {
	record, err := Wrap([]byte("pw"), []byte("payload"))
	require.NoError(t, err)

	tampered := *record
	tampered.Ciphertext = flipLastHexNibble(t, tampered.Ciphertext)

	_, err = Unwrap([]byte("pw"), &tampered)
	require.Error(t, err)
	require.True(t, sserrors.Is(err, sserrors.BadPassphrase))
}

func TestUnwrapTamperedSaltFails(t *testing.T) {
	record, err := Wrap([]byte("pw"), []byte("payload"))
	require.NoError(t, err)

	tampered := *record
	tampered.Scrypt.Salt = flipLastHexNibble(t, tampered.Scrypt.Salt)

	_, err = Unwrap([]byte("pw"), &tampered)
	require.Error(t, err)
}

func TestUnwrapRejectsUnsupportedType(t *testing.T) {
	record, err := Wrap([]byte("pw"), []byte("payload"))
	require.NoError(t, err)
	record.Type = "future-kdf"

	_, err = Unwrap([]byte("pw"), record)
	require.True(t, sserrors.Is(err, sserrors.UnsupportedKdf))
}

func flipLastHexNibble(t *testing.T, s string) string {
	t.Helper()
	require.NotEmpty(t, s)
	b := []byte(s)
	last := b[len(b)-1]
	if last == '0' {
		b[len(b)-1] = '1'
	} else {
		b[len(b)-1] = '0'
	}
	return string(b)
}
