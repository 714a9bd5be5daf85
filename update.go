package launcher

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/pkg/errors"
	"golang.org/x/mod/semver"
	"golang.org/x/oauth2"
)

const DefaultAssetTemplate = "frankfurt_sentinel-{os}-{arch}"

// Updater keeps the bot binary at the latest GitHub release.
type Updater struct {
	Owner       string
	Repo        string
	Asset       string
	Binary      string
	VersionFile string

	gh       *github.Client
	download *http.Client
}

func assetName(template string) string {
	return strings.NewReplacer("{os}", runtime.GOOS, "{arch}", runtime.GOARCH).Replace(template)
}

// NewUpdater builds an updater for repo ("owner/name"). When token is not
// empty it is sent with GitHub API requests, which private repos need.
func NewUpdater(ctx context.Context, repo, assetTemplate, token, binary, versionFile string) (*Updater, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, errors.Wrapf(ErrInvalidConfig, "update repo %q must look like owner/name", repo)
	}

	httpClient := &http.Client{Timeout: 5 * time.Minute}
	apiClient := httpClient
	if token != "" {
		apiClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
		apiClient.Timeout = 5 * time.Minute
	}

	return &Updater{
		Owner:       owner,
		Repo:        name,
		Asset:       assetName(assetTemplate),
		Binary:      binary,
		VersionFile: versionFile,
		gh:          github.NewClient(apiClient),
		// asset downloads redirect to a storage host that must not see the token
		download: httpClient,
	}, nil
}

func (u *Updater) installedVersion() string {
	data, err := os.ReadFile(u.VersionFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Update installs the latest release when it is newer than the installed
// one, or when nothing is installed. It reports whether the binary changed.
func (u *Updater) Update(ctx context.Context) (bool, error) {
	latestRelease, _, err := u.gh.Repositories.GetLatestRelease(ctx, u.Owner, u.Repo)
	if err != nil {
		return false, errors.Wrap(err, "getting latest release")
	}
	latest := latestRelease.GetTagName()
	if !semver.IsValid(latest) {
		return false, errors.Errorf("latest release tag %q is not a semantic version", latest)
	}

	installed := u.installedVersion()
	_, statErr := os.Stat(u.Binary)
	if semver.IsValid(installed) && statErr == nil {
		switch semver.Compare(installed, latest) {
		case 0:
			slog.Debug("running the latest release", "version", installed)
			return false, nil
		case 1:
			slog.Debug("running a pre-release version", "available_version", latest, "running_version", installed)
			return false, nil
		}
	}

	slog.Info("installing bot release", "available_version", latest, "running_version", installed)
	var asset *github.ReleaseAsset
	for _, a := range latestRelease.Assets {
		if a.GetName() == u.Asset {
			asset = a
			break
		}
	}
	if asset == nil {
		return false, errors.Errorf("release %s has no asset named %s", latest, u.Asset)
	}

	rc, _, err := u.gh.Repositories.DownloadReleaseAsset(ctx, u.Owner, u.Repo, asset.GetID(), u.download)
	if err != nil {
		return false, errors.Wrapf(err, "downloading %s", u.Asset)
	}
	defer rc.Close()

	if err := replaceBinary(u.Binary, rc); err != nil {
		return false, err
	}
	if err := os.WriteFile(u.VersionFile, []byte(latest+"\n"), 0o644); err != nil {
		return true, errors.Wrap(err, "writing version file")
	}
	slog.Info("bot release installed", "version", latest, "path", u.Binary)
	return true, nil
}

// replaceBinary writes r next to path and renames it into place, so a
// failed download never leaves a truncated binary behind.
func replaceBinary(path string, r io.Reader) error {
	mode := os.FileMode(0o755)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm() | 0o100
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating binary directory")
	}

	newFilePath := path + "-new"
	f, err := os.OpenFile(newFilePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrap(err, "error writing new version")
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(newFilePath)
		return errors.Wrap(err, "error writing new version")
	}
	if err := f.Close(); err != nil {
		os.Remove(newFilePath)
		return errors.Wrap(err, "error writing new version")
	}
	if err := os.Rename(newFilePath, path); err != nil {
		os.Remove(newFilePath)
		return errors.Wrap(err, "error replacing binary")
	}
	return nil
}
