package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/stowrs-to-s3/stowrs-infra/internal/logging"
	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
)

func (p *Provider) applyImage(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	// DELETE
	if req.DesiredConfigJSON == nil {
		var prior ImageState
		if err := json.Unmarshal(req.PriorStateJSON, &prior); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
		}
		if err := p.removeImage(ctx, prior); err != nil {
			return nil, err
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired ImageConfig
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}
	if err := validate(desired); err != nil {
		return nil, err
	}
	platform, err := ParsePlatform(desired.Platform)
	if err != nil {
		return nil, err
	}
	ref := desired.RepositoryURL + ":" + desired.Tag

	// BUILD
	logging.Info("building image", "image", ref, "context", desired.Context, "platform", desired.Platform)
	tar, err := archive.TarWithOptions(desired.Context, &archive.TarOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create build context tar: %w", err)
	}
	defer tar.Close()

	resp, err := p.client.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:       []string{ref},
		Dockerfile: desired.Dockerfile,
		Platform:   platformString(platform),
		Labels:     desired.Labels,
		Remove:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()
	if err := drain(resp.Body); err != nil {
		return nil, fmt.Errorf("failed to build image %s: %w", ref, err)
	}

	// PUSH
	auth, err := p.registryAuth(ctx)
	if err != nil {
		return nil, err
	}
	logging.Info("pushing image", "image", ref)
	push, err := p.client.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return nil, fmt.Errorf("failed to push image: %w", err)
	}
	defer push.Close()
	if err := drain(push); err != nil {
		return nil, fmt.Errorf("failed to push image %s: %w", ref, err)
	}

	inspect, _, err := p.client.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect built image: %w", err)
	}

	stateJSON, err := json.Marshal(ImageState{
		ID:            inspect.ID,
		ImageURI:      ref,
		RepositoryURL: desired.RepositoryURL,
		Tag:           desired.Tag,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return &plugin.ApplyResponse{NewStateJSON: stateJSON}, nil
}

// removeImage deletes the pushed tag from the registry and the local copy.
// Either may already be gone.
func (p *Provider) removeImage(ctx context.Context, prior ImageState) error {
	if prior.RepositoryURL != "" && prior.Tag != "" {
		_, repo, ok := strings.Cut(prior.RepositoryURL, "/")
		if !ok {
			return fmt.Errorf("malformed repository url %q", prior.RepositoryURL)
		}
		_, err := p.ecr.BatchDeleteImage(ctx, &ecr.BatchDeleteImageInput{
			RepositoryName: aws.String(repo),
			ImageIds:       []ecrtypes.ImageIdentifier{{ImageTag: aws.String(prior.Tag)}},
		})
		if err != nil && !isRepositoryNotFound(err) {
			return fmt.Errorf("failed to delete image %s: %w", prior.ImageURI, err)
		}
	}

	if prior.ID != "" {
		_, err := p.client.ImageRemove(ctx, prior.ID, image.RemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove image: %w", err)
		}
	}
	return nil
}

// registryAuth exchanges AWS credentials for an ECR registry login.
func (p *Provider) registryAuth(ctx context.Context) (string, error) {
	resp, err := p.ecr.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get registry authorization: %w", err)
	}
	if len(resp.AuthorizationData) == 0 {
		return "", fmt.Errorf("registry returned no authorization data")
	}
	data := resp.AuthorizationData[0]
	return encodeAuth(aws.ToString(data.AuthorizationToken), aws.ToString(data.ProxyEndpoint))
}

// encodeAuth turns a base64 "user:password" token into the header value the
// Docker daemon expects on push.
func encodeAuth(token, endpoint string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("malformed registry token: %w", err)
	}
	user, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", fmt.Errorf("malformed registry token")
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      user,
		Password:      password,
		ServerAddress: endpoint,
	})
}

// drain consumes a daemon progress stream and returns the first error it
// reports.
func drain(r io.Reader) error {
	return jsonmessage.DisplayJSONMessagesStream(r, io.Discard, 0, false, nil)
}

func validate(desired ImageConfig) error {
	switch {
	case desired.Context == "":
		return fmt.Errorf("image context is required")
	case desired.RepositoryURL == "":
		return fmt.Errorf("image repositoryUrl is required")
	case desired.Tag == "":
		return fmt.Errorf("image tag is required")
	}
	return nil
}

// ParsePlatform parses "os/arch[/variant]". An empty string means
// linux/amd64.
func ParsePlatform(s string) (specs.Platform, error) {
	if s == "" {
		return specs.Platform{OS: "linux", Architecture: "amd64"}, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return specs.Platform{}, fmt.Errorf("invalid platform %q, expected os/arch[/variant]", s)
	}
	p := specs.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}

func platformString(p specs.Platform) string {
	s := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	return s
}

func isRepositoryNotFound(err error) bool {
	var nf *ecrtypes.RepositoryNotFoundException
	return errors.As(err, &nf)
}
