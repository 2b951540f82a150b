package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func writePgPass(t *testing.T, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".pgpass")
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	require.NoError(t, os.Chmod(path, mode))
	return path
}

func TestParsePgPassLine(t *testing.T) {
	entry, err := parsePgPassLine(`db1:5432:app:admin:pa\:ss\\word`)
	require.NoError(t, err)
	assert.Equal(t, PgPassEntry{Host: "db1", Port: "5432", Database: "app", User: "admin", Password: `pa:ss\word`}, entry)

	entry, err = parsePgPassLine("*:*:*:admin:secret")
	require.NoError(t, err)
	assert.Equal(t, "*", entry.Port)

	_, err = parsePgPassLine("db1:5432:app:admin")
	assert.Error(t, err)
	_, err = parsePgPassLine("db1:notaport:app:admin:pw")
	assert.Error(t, err)
	_, err = parsePgPassLine("db1:70000:app:admin:pw")
	assert.Error(t, err)
}

func TestPgPassFile_Get(t *testing.T) {
	path := writePgPass(t, `# comment
db1:5432:app:admin:first
broken line
*:*:*:admin:fallback
`, 0600)

	p, err := NewPgPassFile(path)
	require.NoError(t, err)

	entries, err := p.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	pw, err := p.Get("db1", 5432, "app", "admin")
	require.NoError(t, err)
	assert.Equal(t, "first", pw)

	pw, err = p.Get("db2", 6543, "other", "admin")
	require.NoError(t, err)
	assert.Equal(t, "fallback", pw)

	_, err = p.Get("db1", 5432, "app", "nobody")
	assert.ErrorIs(t, err, ErrPasswordNotFound)
}

func TestPgPassFile_MissingAndInsecure(t *testing.T) {
	p, err := NewPgPassFile(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	_, err = p.Get("h", 1, "d", "u")
	assert.ErrorIs(t, err, ErrPasswordNotFound)

	p, err = NewPgPassFile(writePgPass(t, "*:*:*:*:pw\n", 0644))
	require.NoError(t, err)
	_, err = p.Get("h", 1, "d", "u")
	assert.ErrorContains(t, err, "insecure permissions")
}

func TestEnvPassword(t *testing.T) {
	t.Setenv("PGPASSWORD", "")
	_, err := EnvPassword{}.Get("h", 1, "d", "u")
	assert.ErrorIs(t, err, ErrPasswordNotFound)

	t.Setenv("PGPASSWORD", "envpw")
	t.Setenv("PGUSER", "")
	pw, err := EnvPassword{}.Get("h", 1, "d", "u")
	require.NoError(t, err)
	assert.Equal(t, "envpw", pw)

	t.Setenv("PGUSER", "someone")
	_, err = EnvPassword{}.Get("h", 1, "d", "u")
	assert.ErrorIs(t, err, ErrPasswordNotFound)
}

func TestChain(t *testing.T) {
	keyring.MockInit()
	ps := NewPasswordStore("chain")
	require.NoError(t, ps.Save("db1", 5432, "app", "admin", "fromkeyring"))

	pgpass, err := NewPgPassFile(writePgPass(t, "*:*:*:*:frompgpass\n", 0600))
	require.NoError(t, err)

	chain := Chain{ps, pgpass}

	pw, err := chain.Get("db1", 5432, "app", "admin")
	require.NoError(t, err)
	assert.Equal(t, "fromkeyring", pw)

	pw, err = chain.Get("db2", 5432, "app", "admin")
	require.NoError(t, err)
	assert.Equal(t, "frompgpass", pw)

	_, err = Chain{}.Get("h", 1, "d", "u")
	assert.ErrorIs(t, err, ErrPasswordNotFound)

	_, err = Chain{failingLookup{}, pgpass}.Get("h", 1, "d", "u")
	assert.ErrorContains(t, err, "keyring locked")
}
