// Package artifacts fetches server jars into instance workspaces.
//
// Paper, Velocity, and Waterfall come from the PaperMC builds API,
// vanilla from Mojang's version manifest, and BungeeCord from the md-5
// CI artifact. Kinds without a stable download endpoint (spigot, forge,
// fabric) must be installed by hand and are rejected.
package artifacts

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/cubeforge/minefleet/pkg/log"
	"github.com/cubeforge/minefleet/pkg/types"
)

// DownloadTimeout bounds a whole artifact fetch including redirects.
const DownloadTimeout = 5 * time.Minute

// Client resolves and downloads server jars.
type Client struct {
	http *http.Client

	paperBase      string
	mojangManifest string
	bungeeJarURL   string

	logger zerolog.Logger
}

// NewClient creates an artifact client against the public endpoints.
func NewClient() *Client {
	return &Client{
		http:           &http.Client{Timeout: DownloadTimeout},
		paperBase:      "https://api.papermc.io/v2",
		mojangManifest: "https://piston-meta.mojang.com/mc/game/version_manifest_v2.json",
		bungeeJarURL:   "https://ci.md-5.net/job/BungeeCord/lastSuccessfulBuild/artifact/bootstrap/target/BungeeCord.jar",
		logger:         log.WithComponent("artifacts"),
	}
}

// Download fetches the jar for the given kind and version into the
// workspace under the kind's canonical jar name.
func (c *Client) Download(kind types.Kind, version, workspace string) error {
	var url string
	var err error

	switch kind {
	case types.KindPaper, types.KindVelocity, types.KindWaterfall:
		url, err = c.resolvePaperMC(string(kind), version)
	case types.KindVanilla:
		url, err = c.resolveVanilla(version)
	case types.KindBungeecord:
		url = c.bungeeJarURL
	default:
		return fmt.Errorf("%w: no download source for kind %q", types.ErrDownload, kind)
	}
	if err != nil {
		return err
	}

	dest := filepath.Join(workspace, kind.JarName())
	if err := c.fetch(url, dest); err != nil {
		return err
	}
	c.logger.Info().
		Str("kind", string(kind)).
		Str("version", version).
		Str("jar", dest).
		Msg("artifact downloaded")
	return nil
}

// resolvePaperMC picks the latest build of a version and returns its
// download URL.
func (c *Client) resolvePaperMC(project, version string) (string, error) {
	var builds struct {
		Builds []struct {
			Build     int `json:"build"`
			Downloads struct {
				Application struct {
					Name string `json:"name"`
				} `json:"application"`
			} `json:"downloads"`
		} `json:"builds"`
	}
	url := fmt.Sprintf("%s/projects/%s/versions/%s/builds", c.paperBase, project, version)
	if err := c.getJSON(url, &builds); err != nil {
		return "", err
	}
	if len(builds.Builds) == 0 {
		return "", fmt.Errorf("%w: no builds for %s %s", types.ErrDownload, project, version)
	}

	latest := builds.Builds[len(builds.Builds)-1]
	return fmt.Sprintf("%s/projects/%s/versions/%s/builds/%d/downloads/%s",
		c.paperBase, project, version, latest.Build, latest.Downloads.Application.Name), nil
}

// resolveVanilla walks Mojang's manifest to the version's server jar.
func (c *Client) resolveVanilla(version string) (string, error) {
	var manifest struct {
		Versions []struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		} `json:"versions"`
	}
	if err := c.getJSON(c.mojangManifest, &manifest); err != nil {
		return "", err
	}

	metaURL := ""
	for _, v := range manifest.Versions {
		if v.ID == version {
			metaURL = v.URL
			break
		}
	}
	if metaURL == "" {
		return "", fmt.Errorf("%w: unknown vanilla version %q", types.ErrDownload, version)
	}

	var meta struct {
		Downloads struct {
			Server struct {
				URL string `json:"url"`
			} `json:"server"`
		} `json:"downloads"`
	}
	if err := c.getJSON(metaURL, &meta); err != nil {
		return "", err
	}
	if meta.Downloads.Server.URL == "" {
		return "", fmt.Errorf("%w: version %q has no server jar", types.ErrDownload, version)
	}
	return meta.Downloads.Server.URL, nil
}

func (c *Client) getJSON(url string, out any) error {
	resp, err := c.http.Get(url)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrDownload, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", types.ErrDownload, url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", types.ErrDownload, url, err)
	}
	return nil
}

// fetch streams the jar to a temp file and renames it into place so a
// torn download never leaves a half-written jar.
func (c *Client) fetch(url, dest string) error {
	resp, err := c.http.Get(url)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrDownload, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", types.ErrDownload, url, resp.StatusCode)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrDownload, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", types.ErrDownload, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", types.ErrDownload, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", types.ErrDownload, err)
	}
	return nil
}
