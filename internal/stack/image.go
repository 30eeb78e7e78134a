package stack

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/spf13/afero"

	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

const logRetentionDays = 30

// DefaultPlatform is the platform images are built for and tasks run on.
var DefaultPlatform = specs.Platform{OS: "linux", Architecture: "amd64"}

// containerImage is the repository, build and log group of one container.
type containerImage struct {
	name       string
	repository *ir.Resource
	image      *ir.Resource
	logGroup   *ir.Resource
}

// newContainerImage declares the registry repository and log group of a
// container and the image built from its source directory. The image tag is
// derived from the directory content so that an unchanged source yields an
// unchanged graph.
func newContainerImage(s *Stack, fs afero.Fs, name, dir string) (*containerImage, error) {
	tag, err := sourceHash(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("%s source directory: %w", name, err)
	}

	repo := s.add(TypeRepository, name+"-repository", map[string]any{
		"repositoryName":     strings.ToLower(s.app + "/" + name),
		"imageScanOnPush":    true,
		"imageTagMutability": "IMMUTABLE",
		"forceDelete":        true,
	})

	image := s.add(TypeImage, name+"-image", map[string]any{
		"context":       dir,
		"repositoryUrl": Ref(repo, "repositoryUri"),
		"tag":           tag,
		"platform":      platformString(DefaultPlatform),
	})

	logGroup := s.add(TypeLogGroup, name+"-logs", map[string]any{
		"name":            fmt.Sprintf("/ecs/%s/%s", s.app, name),
		"retentionInDays": logRetentionDays,
	})

	return &containerImage{name: name, repository: repo, image: image, logGroup: logGroup}, nil
}

// sourceHash digests the relative path and content of every regular file
// under dir, in lexical order.
func sourceHash(fs afero.Fs, dir string) (string, error) {
	info, err := fs.Stat(dir)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", dir)
	}

	h := sha256.New()
	err = afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00", filepath.ToSlash(rel))

		f, err := fs.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		h.Write([]byte{0})
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:32], nil
}

func platformString(p specs.Platform) string {
	s := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	return s
}

// runtimePlatform maps an image platform to the task runtime platform.
func runtimePlatform(p specs.Platform) map[string]any {
	arch := "X86_64"
	if p.Architecture == "arm64" {
		arch = "ARM64"
	}
	return map[string]any{
		"operatingSystemFamily": strings.ToUpper(p.OS),
		"cpuArchitecture":       arch,
	}
}
