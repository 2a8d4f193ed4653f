package sshconn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuote(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain", "'plain'"},
		{"", "''"},
		{"with space", "'with space'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
		{"a;rm -rf /", "'a;rm -rf /'"},
		{"back`tick`", "'back`tick`'"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Quote(tc.in))
	}
}

func TestSudoWrap(t *testing.T) {
	assert.Equal(t, `sudo -n sh -c 'systemctl restart nginx'`, SudoWrap("systemctl restart nginx"))
	assert.Equal(t, `sudo -n sh -c 'echo '\''hi'\'''`, SudoWrap("echo 'hi'"))
}

func TestClassifyDialError(t *testing.T) {
	cases := []struct {
		msg  string
		kind ErrorKind
	}{
		{"ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]", KindAuthFailed},
		{"dial tcp 10.0.0.1:22: connect: connection refused", KindConnectionRefused},
		{"dial tcp 10.0.0.1:22: i/o timeout", KindTimeout},
		{"ssh: handshake failed: knownhosts: key is unknown", KindHostKeyMismatch},
		{"dial tcp: lookup nohost: no such host", KindNetwork},
	}
	for _, tc := range cases {
		err := classifyDialError("web1", assertErr(tc.msg))
		assert.Equal(t, tc.kind, err.Kind, tc.msg)
	}
	assert.False(t, classifyDialError("web1", assertErr("ssh: unable to authenticate")).Retryable())
	assert.True(t, classifyDialError("web1", assertErr("connection refused")).Retryable())
}

type strErr string

func (e strErr) Error() string { return string(e) }

func assertErr(msg string) error { return strErr(msg) }

func TestEnvPrefixDeterministic(t *testing.T) {
	got := envPrefix(map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, "export A='1'; export B='2'; ", got)
}

func TestSudoPasswordRequired(t *testing.T) {
	assert.True(t, SudoPasswordRequired([]byte("sudo: a password is required\n")))
	assert.False(t, SudoPasswordRequired([]byte("permission denied")))
}
