package protect

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mlacage/ssops/internal/sserrors"
)

func promptSequence(answers ...string) PassphrasePrompter {
	i := 0
	return func(name string, promptForWrap bool) (string, error) {
		a := answers[i]
		i++
		return a, nil
	}
}

func TestWrapUnwrapPasswordRoundTrip(t *testing.T) {
	record, err := WrapPassword("alex", promptSequence("pw", "pw"), []byte("secret key bytes"))
	require.NoError(t, err)
	require.Equal(t, KindPassword, record.Type)

	plaintext, err := UnwrapPassword(record, promptSequence("pw"))
	require.NoError(t, err)
	require.Equal(t, []byte("secret key bytes"), plaintext)
}

func TestWrapPasswordMismatch(t *testing.T) {
	_, err := WrapPassword("alex", promptSequence("pw1", "pw2"), []byte("secret"))
	require.True(t, sserrors.Is(err, sserrors.PassphraseMismatch))
}

func TestUnwrapPasswordDeclined(t *testing.T) {
	record, err := WrapPassword("alex", promptSequence("pw", "pw"), []byte("secret"))
	require.NoError(t, err)

	_, err = UnwrapPassword(record, promptSequence(""))
	require.True(t, sserrors.Is(err, sserrors.UserDeclined))
}

func TestUnwrapPasswordBadPassphrase(t *testing.T) {
	record, err := WrapPassword("alex", promptSequence("pw", "pw"), []byte("secret"))
	require.NoError(t, err)

	_, err = UnwrapPassword(record, promptSequence("nope"))
	require.True(t, sserrors.Is(err, sserrors.BadPassphrase))
}
