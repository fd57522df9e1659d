package method

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/mlacage/ssops/internal/sserrors"
)

func ed25519AuthorizedKeyLine(t *testing.T) (ed25519.PublicKey, string, error) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, "", err
	}
	return pub, string(ssh.MarshalAuthorizedKey(sshPub)), nil
}

func rsaPublicKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return string(block)
}

func sshAuthorizedKeyLine(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)
	return string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
}

func TestCreateLoadSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "method.yaml")
	require.NoError(t, Create(path))

	f, err := Load(path)
	require.NoError(t, err)
	require.Empty(t, f.Recipients)

	require.NoError(t, f.AddKey("alex", rsaPublicKeyPEM(t), nil))
	require.NoError(t, f.Save(path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, reloaded.Recipients, 1)
	require.Equal(t, "alex", reloaded.Recipients[0].Name)
	require.Equal(t, KindRSA, reloaded.Recipients[0].Kind)
}

func TestAddKeyRejectsDuplicateName(t *testing.T) {
	f := &File{}
	pem := rsaPublicKeyPEM(t)
	require.NoError(t, f.AddKey("alex", pem, nil))
	err := f.AddKey("alex", pem, nil)
	require.Error(t, err)
	require.True(t, sserrors.Is(err, sserrors.DuplicateRecipient))
}

func TestAddSSHKeyDerivesNameFromFilenameStrippingPubSuffix(t *testing.T) {
	f := &File{}
	line := sshAuthorizedKeyLine(t)
	name, err := f.AddSSHKey("/home/alex/.ssh/id_rsa.pub", line, nil)
	require.NoError(t, err)
	require.Equal(t, "id_rsa", name)
	require.Len(t, f.Recipients, 1)
	require.Equal(t, KindSSH, f.Recipients[0].Kind)
}

func TestAddSSHKeyRejectsNonRSA(t *testing.T) {
	_, pub, err := ed25519AuthorizedKeyLine(t)
	require.NoError(t, err)

	f := &File{}
	_, err = f.AddSSHKey("id_ed25519.pub", pub, nil)
	require.Error(t, err)
	require.True(t, sserrors.Is(err, sserrors.UnsupportedRecipientKind))
}

func TestDescriptorParsePublicKeyRSA(t *testing.T) {
	pemStr := rsaPublicKeyPEM(t)
	f := &File{}
	require.NoError(t, f.AddKey("alex", pemStr, nil))

	pub, err := f.Recipients[0].ParsePublicKey()
	require.NoError(t, err)
	require.NotNil(t, pub)
}

func TestDescriptorParsePublicKeySSH(t *testing.T) {
	line := sshAuthorizedKeyLine(t)
	f := &File{}
	_, err := f.AddSSHKey("id_rsa.pub", line, nil)
	require.NoError(t, err)

	pub, err := f.Recipients[0].ParsePublicKey()
	require.NoError(t, err)
	require.NotNil(t, pub)
}
