package launcher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvPlain(t *testing.T) {
	input := `MC_SERVER=play.example.net
MC_PORT=25565
BOT_NAME=PedroRTX
`
	f, err := ParseEnv(strings.NewReader(input), EnvSyntaxPlain)
	require.NoError(t, err)

	assert.Len(t, f.Vars, 3)
	assert.Equal(t, map[string]string{
		"MC_SERVER": "play.example.net",
		"MC_PORT":   "25565",
		"BOT_NAME":  "PedroRTX",
	}, f.Map())
	assert.Empty(t, f.SkippedLines)
}

func TestParseEnvOrderDoesNotMatter(t *testing.T) {
	a, err := ParseEnv(strings.NewReader("A=1\nB=2\nC=3\n"), EnvSyntaxPlain)
	require.NoError(t, err)
	b, err := ParseEnv(strings.NewReader("C=3\nA=1\nB=2\n"), EnvSyntaxPlain)
	require.NoError(t, err)

	assert.Equal(t, a.Map(), b.Map())
}

func TestParseEnvSkipsCommentsAndBlanks(t *testing.T) {
	input := `# comment

   # indented comment
SERVER_PORT=35809

`
	f, err := ParseEnv(strings.NewReader(input), EnvSyntaxPlain)
	require.NoError(t, err)

	assert.Equal(t, []EnvVar{{Key: "SERVER_PORT", Value: "35809"}}, f.Vars)
}

func TestParseEnvSplitsOnFirstEquals(t *testing.T) {
	f, err := ParseEnv(strings.NewReader("GEMINI_API_KEY=abc=def==\nEMPTY=\n"), EnvSyntaxPlain)
	require.NoError(t, err)

	assert.Equal(t, "abc=def==", f.Map()["GEMINI_API_KEY"])
	v, ok := f.Map()["EMPTY"]
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestParseEnvLastDuplicateWins(t *testing.T) {
	f, err := ParseEnv(strings.NewReader("BOT_NAME=first\nMC_PORT=1\nBOT_NAME=second\n"), EnvSyntaxPlain)
	require.NoError(t, err)

	assert.Equal(t, []string{"BOT_NAME", "MC_PORT"}, f.Keys())
	assert.Equal(t, "second", f.Map()["BOT_NAME"])
}

func TestParseEnvPlainKeepsQuotes(t *testing.T) {
	f, err := ParseEnv(strings.NewReader(`BOT_NAME="Pedro RTX" # not a comment`), EnvSyntaxPlain)
	require.NoError(t, err)

	assert.Equal(t, `"Pedro RTX" # not a comment`, f.Map()["BOT_NAME"])
}

func TestParseEnvReportsMalformedLines(t *testing.T) {
	f, err := ParseEnv(strings.NewReader("GOOD=1\njust some words\n=novalue\n"), EnvSyntaxPlain)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 3}, f.SkippedLines)
	assert.Len(t, f.Vars, 1)
}

func TestParseEnvLongValue(t *testing.T) {
	blob := strings.Repeat("x", 256*1024)
	f, err := ParseEnv(strings.NewReader("SERVICE_ACCOUNT_JSON="+blob+"\nMC_PORT=25565\n"), EnvSyntaxPlain)
	require.NoError(t, err)

	assert.Equal(t, blob, f.Map()["SERVICE_ACCOUNT_JSON"])
	assert.Equal(t, "25565", f.Map()["MC_PORT"])
}

func TestParseEnvDotenv(t *testing.T) {
	input := `export BOT_NAME="Pedro RTX"
MC_PORT=35809 # inline comment
# comment
`
	f, err := ParseEnv(strings.NewReader(input), EnvSyntaxDotenv)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"BOT_NAME": "Pedro RTX",
		"MC_PORT":  "35809",
	}, f.Map())
}

func TestParseEnvSyntax(t *testing.T) {
	syntax, err := parseEnvSyntax("dotenv")
	assert.NoError(t, err)
	assert.Equal(t, EnvSyntaxDotenv, syntax)

	_, err = parseEnvSyntax("toml")
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestLoadEnvFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	_, err := LoadEnvFile(path, EnvSyntaxPlain, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEnvFileMissing))
	assert.Equal(t, ErrEnvFileMissing, errors.Cause(err))
	assert.Contains(t, err.Error(), path)

	f, err := LoadEnvFile(path, EnvSyntaxPlain, false)
	require.NoError(t, err)
	assert.Empty(t, f.Vars)
}

func TestLoadAndExportEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nSERVER_PORT=35809\n"), 0o600))
	t.Setenv("SERVER_PORT", "")
	os.Unsetenv("SERVER_PORT")

	f, err := LoadEnvFile(path, EnvSyntaxPlain, true)
	require.NoError(t, err)
	written, err := f.Export(true)
	require.NoError(t, err)

	assert.Equal(t, []string{"SERVER_PORT"}, written)
	assert.Equal(t, "35809", os.Getenv("SERVER_PORT"))
	assert.Equal(t, []string{"SERVER_PORT"}, f.Keys())
	for _, kv := range os.Environ() {
		assert.False(t, strings.HasPrefix(kv, "#"), "comment line leaked into environment: %q", kv)
	}
}

func TestExportWithoutOverride(t *testing.T) {
	t.Setenv("BOT_NAME", "from-shell")
	t.Setenv("MC_SERVER", "")
	os.Unsetenv("MC_SERVER")

	f := EnvFile{Vars: []EnvVar{
		{Key: "BOT_NAME", Value: "from-file"},
		{Key: "MC_SERVER", Value: "play.example.net"},
	}}
	written, err := f.Export(false)
	require.NoError(t, err)

	assert.Equal(t, []string{"MC_SERVER"}, written)
	assert.Equal(t, "from-shell", os.Getenv("BOT_NAME"))
	assert.Equal(t, "play.example.net", os.Getenv("MC_SERVER"))
}
