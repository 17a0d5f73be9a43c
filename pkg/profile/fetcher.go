package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"

	capstancue "github.com/chazu/capstan/cue"
)

const (
	// ConfigMapPrefix marks a profile reference as configmap:<namespace>/<name>
	ConfigMapPrefix = "configmap:"

	// schemaFile is the embedded schema
	schemaFile = "schema.cue"
)

// FetchResult contains the raw content of a profile
type FetchResult struct {
	// Content is CUE or JSON; YAML is converted to JSON when fetched
	Content []byte

	// Digest identifies the content for logging
	Digest string

	// Source describes where the profile was fetched from
	Source string
}

// Fetcher retrieves profile content from one kind of source
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (*FetchResult, error)

	// Type returns the type of fetcher (for logging and metrics)
	Type() string
}

// EmbeddedFetcher reads the schema compiled into the binary
type EmbeddedFetcher struct{}

func (EmbeddedFetcher) Type() string { return "embedded" }

// Fetch returns the embedded schema; ref is ignored
func (EmbeddedFetcher) Fetch(_ context.Context, _ string) (*FetchResult, error) {
	data, err := capstancue.ProfileFS.ReadFile(capstancue.ProfileDir + "/" + schemaFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded schema: %w", err)
	}
	return &FetchResult{
		Content: data,
		Digest:  fmt.Sprintf("embedded:%x", xxhash.Sum64(data)),
		Source:  "embedded://" + schemaFile,
	}, nil
}

// FileFetcher reads a profile from disk. .yaml, .yml and .json files are
// converted to JSON; anything else is treated as CUE.
type FileFetcher struct{}

func (FileFetcher) Type() string { return "file" }

func (FileFetcher) Fetch(_ context.Context, path string) (*FetchResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	content, err := normalize(filepath.Ext(path), data)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return &FetchResult{
		Content: content,
		Digest:  fmt.Sprintf("file:%x", xxhash.Sum64(content)),
		Source:  "file://" + path,
	}, nil
}

// ConfigMapFetcher fetches a profile from a ConfigMap
type ConfigMapFetcher struct {
	client client.Reader
}

// NewConfigMapFetcher creates a new ConfigMap fetcher
func NewConfigMapFetcher(c client.Reader) *ConfigMapFetcher {
	return &ConfigMapFetcher{client: c}
}

func (f *ConfigMapFetcher) Type() string { return "configmap" }

// Fetch retrieves the profile from ref, formatted namespace/name. The first
// of profile.cue, profile.yaml, profile.json found is used.
func (f *ConfigMapFetcher) Fetch(ctx context.Context, ref string) (*FetchResult, error) {
	namespace, name, ok := strings.Cut(ref, "/")
	if !ok || namespace == "" || name == "" {
		return nil, fmt.Errorf("invalid ConfigMap reference %q: want <namespace>/<name>", ref)
	}

	cm := &corev1.ConfigMap{}
	if err := f.client.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, cm); err != nil {
		return nil, fmt.Errorf("failed to get ConfigMap %s/%s: %w", namespace, name, err)
	}

	for _, key := range []string{"profile.cue", "profile.yaml", "profile.yml", "profile.json"} {
		raw, found := cm.Data[key]
		if !found {
			continue
		}
		content, err := normalize(filepath.Ext(key), []byte(raw))
		if err != nil {
			return nil, fmt.Errorf("ConfigMap %s/%s key %s: %w", namespace, name, key, err)
		}
		return &FetchResult{
			Content: content,
			Digest:  string(cm.UID) + ":" + cm.ResourceVersion,
			Source:  fmt.Sprintf("configmap://%s/%s#%s", namespace, name, key),
		}, nil
	}
	return nil, fmt.Errorf("ConfigMap %s/%s has no profile.cue, profile.yaml or profile.json key", namespace, name)
}

func normalize(ext string, data []byte) ([]byte, error) {
	switch ext {
	case ".yaml", ".yml":
		out, err := yaml.YAMLToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		return out, nil
	default:
		return data, nil
	}
}
