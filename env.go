package launcher

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// maxEnvLineSize bounds a single .env line, long credential blobs included.
const maxEnvLineSize = 4 << 20

type EnvSyntax string

const (
	// EnvSyntaxPlain splits each line on its first '=' and does nothing else.
	EnvSyntaxPlain EnvSyntax = "plain"
	// EnvSyntaxDotenv understands quoting, "export" prefixes and inline comments.
	EnvSyntaxDotenv EnvSyntax = "dotenv"
)

func parseEnvSyntax(s string) (EnvSyntax, error) {
	switch EnvSyntax(s) {
	case EnvSyntaxPlain:
		return EnvSyntaxPlain, nil
	case EnvSyntaxDotenv:
		return EnvSyntaxDotenv, nil
	default:
		return "", errors.Wrapf(ErrInvalidConfig, "unknown env file syntax %q", s)
	}
}

type EnvVar struct {
	Key   string
	Value string
}

// EnvFile is the parsed content of a .env file. Vars keeps the order keys
// were first seen, with the value of their last occurrence.
type EnvFile struct {
	Path string
	Vars []EnvVar
	// SkippedLines holds the line numbers of malformed lines.
	SkippedLines []int
}

func (f EnvFile) Map() map[string]string {
	m := make(map[string]string, len(f.Vars))
	for _, v := range f.Vars {
		m[v.Key] = v.Value
	}
	return m
}

func (f EnvFile) Keys() []string {
	keys := make([]string, 0, len(f.Vars))
	for _, v := range f.Vars {
		keys = append(keys, v.Key)
	}
	return keys
}

// ParseEnv reads KEY=VALUE assignments from r.
func ParseEnv(r io.Reader, syntax EnvSyntax) (EnvFile, error) {
	if syntax == EnvSyntaxDotenv {
		return parseDotenv(r)
	}

	var f EnvFile
	index := map[string]int{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxEnvLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			f.SkippedLines = append(f.SkippedLines, lineNo)
			continue
		}
		v = strings.TrimSpace(v)
		if i, seen := index[k]; seen {
			f.Vars[i].Value = v
			continue
		}
		index[k] = len(f.Vars)
		f.Vars = append(f.Vars, EnvVar{Key: k, Value: v})
	}
	if err := scanner.Err(); err != nil {
		return EnvFile{}, errors.Wrap(err, "reading env file")
	}
	return f, nil
}

func parseDotenv(r io.Reader) (EnvFile, error) {
	m, err := godotenv.Parse(r)
	if err != nil {
		return EnvFile{}, errors.Wrap(err, "parsing dotenv file")
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var f EnvFile
	for _, k := range keys {
		f.Vars = append(f.Vars, EnvVar{Key: k, Value: m[k]})
	}
	return f, nil
}

// LoadEnvFile parses the file at path. A missing file is ErrEnvFileMissing
// when required is set and an empty EnvFile otherwise.
func LoadEnvFile(path string, syntax EnvSyntax, required bool) (EnvFile, error) {
	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return EnvFile{}, errors.Wrapf(err, "opening env file %s", path)
		}
		if required {
			return EnvFile{}, &GuardError{
				Kind: ErrEnvFileMissing,
				Path: path,
				Hint: "create it from the example or set env-file-required: false",
			}
		}
		slog.Info("no env file, using the ambient environment only", "path", path)
		return EnvFile{Path: path}, nil
	}
	defer file.Close()

	f, err := ParseEnv(file, syntax)
	if err != nil {
		return EnvFile{}, errors.Wrapf(err, "loading %s", path)
	}
	f.Path = path
	for _, n := range f.SkippedLines {
		// the line itself may hold a secret, so only its number is logged
		slog.Warn("skipping malformed env file line", "path", path, "line", n)
	}
	return f, nil
}

// Export sets every variable in the process environment. With override
// unset, variables that already exist keep their current value.
// It returns the keys that were actually written.
func (f EnvFile) Export(override bool) ([]string, error) {
	var written []string
	for _, v := range f.Vars {
		if !override {
			if _, ok := os.LookupEnv(v.Key); ok {
				continue
			}
		}
		if err := os.Setenv(v.Key, v.Value); err != nil {
			return written, errors.Wrapf(err, "exporting %s", v.Key)
		}
		written = append(written, v.Key)
	}
	return written, nil
}
