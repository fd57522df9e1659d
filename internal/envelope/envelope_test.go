package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mlacage/ssops/internal/keystore"
	"github.com/mlacage/ssops/internal/method"
	"github.com/mlacage/ssops/internal/protect"
	"github.com/mlacage/ssops/internal/sserrors"
)

func x509MarshalPKCS1(key *rsa.PrivateKey) []byte {
	return x509.MarshalPKCS1PrivateKey(key)
}

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func promptOnce(pw string) protect.PassphrasePrompter {
	return func(name string, forWrap bool) (string, error) { return pw, nil }
}

func TestEncryptDecryptEntryRoundTrip(t *testing.T) {
	key := genKey(t)
	ciphertext, err := EncryptEntry(&key.PublicKey, []byte("hello"))
	require.NoError(t, err)

	plaintext, err := DecryptEntry(key, ciphertext)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plaintext)
}

func TestEncryptEntryRejectsOversizedPayload(t *testing.T) {
	key := genKey(t)
	huge := make([]byte, maxPayloadSize(&key.PublicKey)+1)
	_, err := EncryptEntry(&key.PublicKey, huge)
	require.Error(t, err)
	require.True(t, sserrors.Is(err, sserrors.PayloadTooLarge))
}

func descriptorWithEmbeddedKey(t *testing.T, name, password string) (method.Descriptor, *rsa.PrivateKey) {
	t.Helper()
	key := genKey(t)
	pubPEM, err := keystore.EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)

	der := x509MarshalPKCS1(key)
	rec, err := protect.WrapPassword(name, func(n string, forWrap bool) (string, error) { return password, nil }, der)
	require.NoError(t, err)

	return method.Descriptor{Kind: method.KindRSA, Name: name, PublicKey: pubPEM, EncryptedPrivateKey: rec}, key
}

func TestDecryptArtifactUsesEmbeddedPrivateKey(t *testing.T) {
	d, _ := descriptorWithEmbeddedKey(t, "alex", "pw")
	file := &method.File{Recipients: []method.Descriptor{d}}

	pub, err := d.ParsePublicKey()
	require.NoError(t, err)
	artifact, err := EncryptForRecipients(file, nil, []byte("top secret"))
	require.NoError(t, err)
	require.Len(t, artifact, 1)
	require.Equal(t, "alex", artifact[0].Name)

	_ = pub
	// No key store at all: the embedded private key must be enough.
	plaintext, err := DecryptArtifact(artifact, nil, nil, promptOnce("pw"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("top secret"), plaintext)
}

func TestDecryptArtifactFallsBackToKeyStore(t *testing.T) {
	key := genKey(t)
	pubPEM, err := keystore.EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	d := method.Descriptor{Kind: method.KindRSA, Name: "alex", PublicKey: pubPEM}
	file := &method.File{Recipients: []method.Descriptor{d}}

	store, err := keystore.Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	rec, err := protect.WrapPassword("alex", func(n string, forWrap bool) (string, error) { return "pw", nil }, x509MarshalPKCS1(key))
	require.NoError(t, err)
	require.NoError(t, store.Put("alex", rec, pubPEM, false))

	artifact, err := EncryptForRecipients(file, nil, []byte("payload"))
	require.NoError(t, err)

	plaintext, err := DecryptArtifact(artifact, nil, store, promptOnce("pw"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), plaintext)
}

func TestDecryptArtifactMissingKeyStoreAndNoEmbed(t *testing.T) {
	key := genKey(t)
	pubPEM, err := keystore.EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	d := method.Descriptor{Kind: method.KindRSA, Name: "alex", PublicKey: pubPEM}
	file := &method.File{Recipients: []method.Descriptor{d}}

	artifact, err := EncryptForRecipients(file, nil, []byte("payload"))
	require.NoError(t, err)

	_, err = DecryptArtifact(artifact, nil, nil, promptOnce("pw"), nil)
	require.Error(t, err)
	var failed *sserrors.AllRecipientsFailed
	require.ErrorAs(t, err, &failed)
	require.True(t, sserrors.Is(failed.Failures[0].Cause, sserrors.KeyStoreMissing))
}

func TestDecryptArtifactDetectsPublicKeyMismatch(t *testing.T) {
	key := genKey(t)
	pubPEM, err := keystore.EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	d := method.Descriptor{Kind: method.KindRSA, Name: "alex", PublicKey: pubPEM}
	file := &method.File{Recipients: []method.Descriptor{d}}

	store, err := keystore.Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	otherKey := genKey(t)
	otherPubPEM, err := keystore.EncodePublicKeyPEM(&otherKey.PublicKey)
	require.NoError(t, err)
	rec, err := protect.WrapPassword("alex", func(n string, forWrap bool) (string, error) { return "pw", nil }, x509MarshalPKCS1(otherKey))
	require.NoError(t, err)
	require.NoError(t, store.Put("alex", rec, otherPubPEM, false))

	artifact, err := EncryptForRecipients(file, nil, []byte("payload"))
	require.NoError(t, err)

	_, err = DecryptArtifact(artifact, nil, store, promptOnce("pw"), nil)
	require.Error(t, err)
	var failed *sserrors.AllRecipientsFailed
	require.ErrorAs(t, err, &failed)
	require.True(t, sserrors.Is(failed.Failures[0].Cause, sserrors.PublicKeyMismatch))
}

func TestEncryptForRecipientsFiltersByName(t *testing.T) {
	d1, _ := descriptorWithEmbeddedKey(t, "alex", "pw")
	d2, _ := descriptorWithEmbeddedKey(t, "sam", "pw")
	file := &method.File{Recipients: []method.Descriptor{d1, d2}}

	artifact, err := EncryptForRecipients(file, []string{"sam"}, []byte("payload"))
	require.NoError(t, err)
	require.Len(t, artifact, 1)
	require.Equal(t, "sam", artifact[0].Name)
}

func TestDecryptArtifactFilterByName(t *testing.T) {
	d1, _ := descriptorWithEmbeddedKey(t, "alex", "pw-alex")
	d2, _ := descriptorWithEmbeddedKey(t, "sam", "pw-sam")
	file := &method.File{Recipients: []method.Descriptor{d1, d2}}

	artifact, err := EncryptForRecipients(file, nil, []byte("payload"))
	require.NoError(t, err)
	require.Len(t, artifact, 2)

	// Restricting to "sam" but supplying alex's passphrase must not
	// succeed: the alex entry is never attempted.
	_, err = DecryptArtifact(artifact, []string{"sam"}, nil, promptOnce("pw-alex"), nil)
	require.Error(t, err)
	var failed *sserrors.AllRecipientsFailed
	require.ErrorAs(t, err, &failed)
	require.Len(t, failed.Failures, 1)
	require.Equal(t, "sam", failed.Failures[0].Name)

	plaintext, err := DecryptArtifact(artifact, []string{"sam"}, nil, promptOnce("pw-sam"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), plaintext)
}

func TestDecryptArtifactAggregatesAllFailures(t *testing.T) {
	d, _ := descriptorWithEmbeddedKey(t, "alex", "pw")
	file := &method.File{Recipients: []method.Descriptor{d}}

	artifact, err := EncryptForRecipients(file, nil, []byte("payload"))
	require.NoError(t, err)

	_, err = DecryptArtifact(artifact, nil, nil, promptOnce("wrong"), nil)
	require.Error(t, err)
	var failed *sserrors.AllRecipientsFailed
	require.ErrorAs(t, err, &failed)
	require.Len(t, failed.Failures, 1)
	require.Equal(t, "alex", failed.Failures[0].Name)
}
