// Package sshagent implements the minimal subset of the ssh-agent wire
// protocol that ssops needs: listing identities and requesting a
// deterministic RSA signature over a challenge, used as input to the
// scrypt/AES-GCM KDF in internal/kdf by internal/protect's ssh-agent
// protection kind.
package sshagent

import (
	"bytes"
	"fmt"
	"net"
	"os"

	"github.com/mlacage/ssops/internal/sserrors"
	"github.com/mlacage/ssops/internal/wire"
)

// Agent protocol message numbers (from the ssh-agent wire protocol).
const (
	agentRequestIdentities  = 11
	agentIdentitiesAnswer   = 12
	agentSignRequest        = 13
	agentSignResponse       = 14
	agentFailure            = 5
)

// SignFlagRSASHA2_256 requests the deterministic rsa-sha2-256 signature
// scheme from the agent instead of the legacy (also deterministic, for
// RSA) ssh-rsa SHA-1 scheme.
const SignFlagRSASHA2_256 = 2

// Identity is one (public key blob, comment) pair returned by the agent's
// identity listing.
type Identity struct {
	Blob    []byte
	Comment string
}

// Client is a synchronous, single-connection client for a local ssh-agent.
// It is not safe for concurrent use from multiple goroutines: each
// request blocks on the single underlying socket until its response (or
// failure) arrives.
type Client struct {
	conn net.Conn
}

// Dial connects to the agent socket named by the SSH_AUTH_SOCK
// environment variable. It returns AgentUnavailable if the variable is
// unset or the socket refuses the connection.
func Dial() (*Client, error) {
	path := os.Getenv("SSH_AUTH_SOCK")
	if path == "" {
		return nil, sserrors.New(sserrors.AgentUnavailable, "SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, sserrors.Wrap(sserrors.AgentUnavailable, "failed to connect to ssh-agent", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an already-established connection as a Client. It
// exists as a seam for tests that stand up an in-process fake agent
// instead of dialing a real SSH_AUTH_SOCK.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// request sends a single type||payload message framed with a uint32
// total length, then reads back one length-prefixed response message,
// returning its type byte and payload.
func (c *Client) request(msgType byte, payload []byte) (respType byte, body []byte, err error) {
	w := wire.NewWriter()
	w.WriteUint32(uint32(1 + len(payload)))
	w.WriteByte(msgType)
	if _, err := c.conn.Write(append(w.Bytes(), payload...)); err != nil {
		return 0, nil, sserrors.Wrap(sserrors.AgentUnavailable, "failed to write to ssh-agent", err)
	}

	r := wire.NewReader(c.conn)
	length, err := r.ReadUint32()
	if err != nil {
		return 0, nil, sserrors.Wrap(sserrors.AgentUnavailable, "failed to read ssh-agent response length", err)
	}
	if length == 0 {
		return 0, nil, sserrors.New(sserrors.AgentUnavailable, "empty ssh-agent response")
	}
	t, err := r.ReadByte()
	if err != nil {
		return 0, nil, sserrors.Wrap(sserrors.AgentUnavailable, "failed to read ssh-agent response type", err)
	}
	rest := make([]byte, length-1)
	if _, err := readFull(c.conn, rest); err != nil {
		return 0, nil, sserrors.Wrap(sserrors.AgentUnavailable, "failed to read ssh-agent response body", err)
	}
	return t, rest, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ListIdentities sends a request-11 and parses the request-12 answer into
// a sequence of (blob, comment) pairs.
func (c *Client) ListIdentities() ([]Identity, error) {
	respType, body, err := c.request(agentRequestIdentities, nil)
	if err != nil {
		return nil, err
	}
	if respType == agentFailure {
		return nil, sserrors.New(sserrors.AgentRefused, "ssh-agent refused to list identities")
	}
	if respType != agentIdentitiesAnswer {
		return nil, sserrors.New(sserrors.AgentRefused, fmt.Sprintf("unexpected ssh-agent response type %d", respType))
	}

	br := wire.NewReader(bytes.NewReader(body))
	count, err := br.ReadUint32()
	if err != nil {
		return nil, sserrors.Wrap(sserrors.AgentRefused, "malformed identities answer", err)
	}
	ids := make([]Identity, 0, count)
	for i := uint32(0); i < count; i++ {
		blob, err := br.ReadString()
		if err != nil {
			return nil, sserrors.Wrap(sserrors.AgentRefused, "malformed identities answer", err)
		}
		comment, err := br.ReadString()
		if err != nil {
			return nil, sserrors.Wrap(sserrors.AgentRefused, "malformed identities answer", err)
		}
		ids = append(ids, Identity{Blob: blob, Comment: string(comment)})
	}
	return ids, nil
}

// Sign requests a signature over data using the identity named by
// keyBlob, with flags set to request the deterministic rsa-sha2-256
// scheme. It returns the algorithm name and the raw signature bytes.
func (c *Client) Sign(keyBlob, data []byte) (algorithm string, signature []byte, err error) {
	w := wire.NewWriter()
	w.WriteString(keyBlob)
	w.WriteString(data)
	w.WriteUint32(SignFlagRSASHA2_256)

	respType, body, err := c.request(agentSignRequest, w.Bytes())
	if err != nil {
		return "", nil, err
	}
	if respType == agentFailure {
		return "", nil, sserrors.New(sserrors.AgentRefused, "ssh-agent refused to sign with the requested key")
	}
	if respType != agentSignResponse {
		return "", nil, sserrors.New(sserrors.AgentRefused, fmt.Sprintf("unexpected ssh-agent response type %d", respType))
	}

	br := wire.NewReader(bytes.NewReader(body))
	sigBlob, err := br.ReadString()
	if err != nil {
		return "", nil, sserrors.Wrap(sserrors.AgentRefused, "malformed sign response", err)
	}

	sbr := wire.NewReader(bytes.NewReader(sigBlob))
	algBytes, err := sbr.ReadString()
	if err != nil {
		return "", nil, sserrors.Wrap(sserrors.AgentRefused, "malformed signature blob", err)
	}
	sigBytes, err := sbr.ReadString()
	if err != nil {
		return "", nil, sserrors.Wrap(sserrors.AgentRefused, "malformed signature blob", err)
	}
	return string(algBytes), sigBytes, nil
}
