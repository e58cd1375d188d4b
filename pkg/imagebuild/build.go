// Package imagebuild implements the OCI image assembly glue: given an
// application base image and a built supervisor binary plus manifest,
// produce the release image whose layout is `/enclave/enclaver.yaml` +
// `/enclave/application.eif`, and separately the enclave filesystem
// layout baked into the EIF itself (`/etc/enclaver/enclaver.yaml`,
// `/sbin/odyn`, optional TLS materials).
//
// Nothing here runs at enclave runtime; only the `enclaver build`
// command calls into this package.
package imagebuild

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/content"
	"github.com/containerd/containerd/images"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/platforms"
	digest "github.com/opencontainers/go-digest"
	specsgo "github.com/opencontainers/image-spec/specs-go"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cuemby/nitrobox/pkg/constants"
	"github.com/cuemby/nitrobox/pkg/log"
	"github.com/cuemby/nitrobox/pkg/manifest"
)

const buildNamespace = "nitrobox-enclaver"

// Client wraps a containerd connection used only at build time, never by
// the supervisor or runner at enclave runtime.
type Client struct {
	inner *containerd.Client
}

// Connect dials the containerd socket the build CLI runs against
// (typically the socket of the container the build tool itself runs in).
func Connect(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = "/run/containerd/containerd.sock"
	}
	c, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("imagebuild: connecting to containerd at %s: %w", socketPath, err)
	}
	return &Client{inner: c}, nil
}

// Close releases the containerd connection.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// PullBaseImage pulls and unpacks the application's base image, the first
// layer of the eventual EIF root filesystem.
func (c *Client) PullBaseImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = namespaces.WithNamespace(ctx, buildNamespace)
	img, err := c.inner.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("imagebuild: pulling base image %s: %w", ref, err)
	}
	log.Logger.Info().Str("image", ref).Msg("pulled base image")
	return img, nil
}

// LayerFile is a single file to add as a new tar layer on top of the base
// image: the supervisor binary, the manifest, or a TLS key/cert pair.
type LayerFile struct {
	Path string // absolute path inside the final image
	Mode int64
	Data []byte
}

// AppendLayer builds a gzip-compressed tar layer (OCI media type
// application/vnd.oci.image.layer.v1.tar+gzip) from files.
// The returned diffID is the digest of the uncompressed
// tar stream, which is what the image config's rootfs.diff_ids records
// (the manifest layer descriptor carries the compressed blob's digest).
func AppendLayer(files []LayerFile) (specs.Descriptor, digest.Digest, []byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	digester := digest.SHA256.Digester()
	tw := tar.NewWriter(io.MultiWriter(gz, digester.Hash()))

	for _, f := range files {
		hdr := &tar.Header{
			Name: path.Clean(f.Path),
			Mode: f.Mode,
			Size: int64(len(f.Data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return specs.Descriptor{}, "", nil, fmt.Errorf("imagebuild: writing tar header for %s: %w", f.Path, err)
		}
		if _, err := tw.Write(f.Data); err != nil {
			return specs.Descriptor{}, "", nil, fmt.Errorf("imagebuild: writing tar content for %s: %w", f.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return specs.Descriptor{}, "", nil, fmt.Errorf("imagebuild: closing tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return specs.Descriptor{}, "", nil, fmt.Errorf("imagebuild: closing gzip writer: %w", err)
	}

	blob := buf.Bytes()
	desc := specs.Descriptor{
		MediaType: specs.MediaTypeImageLayerGzip,
		Size:      int64(len(blob)),
	}
	return desc, digester.Digest(), blob, nil
}

// ReleaseLayout assembles the two files making up the release image's
// `/enclave` directory.
func ReleaseLayout(manifestYAML []byte, eif []byte) []LayerFile {
	return []LayerFile{
		{Path: path.Join(constants.ReleaseBundleDir, constants.ManifestFileName), Mode: 0o644, Data: manifestYAML},
		{Path: path.Join(constants.ReleaseBundleDir, constants.EIFFileName), Mode: 0o644, Data: eif},
	}
}

// EnclaveLayout assembles the enclave filesystem layout baked into the EIF
// itself: the packaged manifest, the supervisor binary, and any per-port
// TLS materials.
func EnclaveLayout(m *manifest.Manifest, manifestYAML []byte, odynBinary []byte, tlsFiles map[uint16]struct{ Key, Cert []byte }) []LayerFile {
	files := []LayerFile{
		{Path: path.Join(constants.EnclaveConfigDir, constants.ManifestFileName), Mode: 0o644, Data: manifestYAML},
		{Path: constants.EnclaveOdynPath, Mode: 0o755, Data: odynBinary},
	}
	for port, pair := range tlsFiles {
		dir := fmt.Sprintf("%s/tls/server/%d", constants.EnclaveConfigDir, port)
		files = append(files,
			LayerFile{Path: path.Join(dir, "key.pem"), Mode: 0o600, Data: pair.Key},
			LayerFile{Path: path.Join(dir, "cert.pem"), Mode: 0o600, Data: pair.Cert},
		)
	}
	return files
}

// ReadManifest resolves img's OCI manifest and config, the base material
// PushImage appends the new layer onto.
func (c *Client) ReadManifest(ctx context.Context, img containerd.Image) (specs.Manifest, specs.Image, error) {
	ctx = namespaces.WithNamespace(ctx, buildNamespace)
	store := c.inner.ContentStore()

	m, err := images.Manifest(ctx, store, img.Target(), platforms.Default())
	if err != nil {
		return specs.Manifest{}, specs.Image{}, fmt.Errorf("imagebuild: reading base image manifest: %w", err)
	}

	cfgBlob, err := content.ReadBlob(ctx, store, m.Config)
	if err != nil {
		return specs.Manifest{}, specs.Image{}, fmt.Errorf("imagebuild: reading base image config: %w", err)
	}
	var cfg specs.Image
	if err := json.Unmarshal(cfgBlob, &cfg); err != nil {
		return specs.Manifest{}, specs.Image{}, fmt.Errorf("imagebuild: decoding base image config: %w", err)
	}

	return m, cfg, nil
}

// PushImage assembles layers into a single-platform OCI image (the base
// image's layers plus one appended layer carrying files) and registers it
// in containerd's image store under ref.
func (c *Client) PushImage(ctx context.Context, ref string, baseConfig specs.Image, baseLayers []specs.Descriptor, files []LayerFile) error {
	ctx = namespaces.WithNamespace(ctx, buildNamespace)
	store := c.inner.ContentStore()

	layerDesc, diffID, layerBlob, err := AppendLayer(files)
	if err != nil {
		return err
	}
	layerDigest, err := writeBlob(ctx, store, layerBlob)
	if err != nil {
		return fmt.Errorf("imagebuild: writing appended layer: %w", err)
	}
	layerDesc.Digest = layerDigest

	cfg := baseConfig
	cfg.Created = timePtr(time.Now().UTC())
	cfg.RootFS.DiffIDs = append(append([]digest.Digest{}, cfg.RootFS.DiffIDs...), diffID)

	cfgBlob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("imagebuild: marshalling image config: %w", err)
	}
	cfgDigest, err := writeBlob(ctx, store, cfgBlob)
	if err != nil {
		return fmt.Errorf("imagebuild: writing image config: %w", err)
	}

	manifestDoc := specs.Manifest{
		Versioned: specsgo.Versioned{SchemaVersion: 2},
		MediaType: specs.MediaTypeImageManifest,
		Config: specs.Descriptor{
			MediaType: specs.MediaTypeImageConfig,
			Digest:    cfgDigest,
			Size:      int64(len(cfgBlob)),
		},
		Layers: append(baseLayers, layerDesc),
	}
	manifestBlob, err := json.Marshal(manifestDoc)
	if err != nil {
		return fmt.Errorf("imagebuild: marshalling image manifest: %w", err)
	}
	manifestDigest, err := writeBlob(ctx, store, manifestBlob)
	if err != nil {
		return fmt.Errorf("imagebuild: writing image manifest: %w", err)
	}

	img := images.Image{
		Name: ref,
		Target: specs.Descriptor{
			MediaType: specs.MediaTypeImageManifest,
			Digest:    manifestDigest,
			Size:      int64(len(manifestBlob)),
		},
	}
	imgStore := c.inner.ImageService()
	if _, err := imgStore.Create(ctx, img); err != nil {
		if _, updateErr := imgStore.Update(ctx, img); updateErr != nil {
			return fmt.Errorf("imagebuild: registering image %s: %w", ref, err)
		}
	}

	log.Logger.Info().Str("ref", ref).Str("manifest", manifestDigest.String()).Msg("pushed release image")
	return nil
}

func writeBlob(ctx context.Context, store content.Store, blob []byte) (digest.Digest, error) {
	dgst := digest.FromBytes(blob)
	if err := content.WriteBlob(ctx, store, dgst.String(), bytes.NewReader(blob), specs.Descriptor{
		Digest: dgst,
		Size:   int64(len(blob)),
	}); err != nil {
		return "", err
	}
	return dgst, nil
}

func timePtr(t time.Time) *time.Time { return &t }

// WriteFile is a small helper build commands use to stage intermediate
// artifacts (the EIF, the release OCI tarball) to local disk before
// handing off to the external enclave-image CLI tool.
func WriteFile(p string, data []byte) error {
	if err := os.MkdirAll(path.Dir(p), 0o755); err != nil {
		return fmt.Errorf("imagebuild: creating directory for %s: %w", p, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("imagebuild: writing %s: %w", p, err)
	}
	return nil
}

// ReadAll reads r fully, used when piping a local file or stdin into a
// layer build step.
func ReadAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}

// BuildEIF shells out to the external enclave-image CLI tool to turn a
// Docker image reference into an EIF file, mirroring the nitro-cli
// invocation shape used by pkg/runner.
func BuildEIF(ctx context.Context, bin, dockerURI, outputPath string) error {
	if bin == "" {
		bin = "nitro-cli"
	}
	cmd := exec.CommandContext(ctx, bin, "build-enclave", "--docker-uri", dockerURI, "--output-file", outputPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("imagebuild: nitro-cli build-enclave failed: %w: %s", err, out)
	}
	log.Logger.Info().Str("docker_uri", dockerURI).Str("eif", outputPath).Msg("built EIF")
	return nil
}
