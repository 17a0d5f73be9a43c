package profile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/capstan/pkg/metrics"
)

// Override sets a profile field after loading; the schema still applies
type Override struct {
	Path  string
	Value interface{}
}

// Loader resolves a profile reference and validates it against the embedded schema
type Loader struct {
	ctx        *cue.Context
	embedded   Fetcher
	files      Fetcher
	configMaps Fetcher
}

// NewLoader creates a new profile loader. c may be nil when ConfigMap
// references are not needed.
func NewLoader(c client.Reader) *Loader {
	l := &Loader{
		ctx:      cuecontext.New(),
		embedded: EmbeddedFetcher{},
		files:    FileFetcher{},
	}
	if c != nil {
		l.configMaps = NewConfigMapFetcher(c)
	}
	return l
}

// Load resolves ref, unifies it with the schema, applies overrides and
// decodes the result. An empty ref yields the schema defaults. A ref of the
// form configmap:<namespace>/<name> reads a ConfigMap; anything else is a path.
func (l *Loader) Load(ctx context.Context, ref string, overrides ...Override) (*Profile, error) {
	logger := log.FromContext(ctx)
	start := time.Now()

	fetcher, target := l.fetcherFor(ref)
	if fetcher == nil {
		return nil, fmt.Errorf("profile %q: no Kubernetes client available for ConfigMap references", ref)
	}

	p, source, err := l.load(ctx, fetcher, target, overrides)
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.RecordProfileFetch(fetcher.Type(), status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	logger.V(1).Info("Loaded deployment profile", "profile", p.Name, "source", source)
	return p, nil
}

func (l *Loader) fetcherFor(ref string) (Fetcher, string) {
	switch {
	case ref == "":
		return l.embedded, ""
	case strings.HasPrefix(ref, ConfigMapPrefix):
		if l.configMaps == nil {
			return nil, ""
		}
		return l.configMaps, strings.TrimPrefix(ref, ConfigMapPrefix)
	default:
		return l.files, ref
	}
}

func (l *Loader) load(ctx context.Context, fetcher Fetcher, target string, overrides []Override) (*Profile, string, error) {
	def, err := l.schema(ctx)
	if err != nil {
		return nil, "", err
	}

	value := def
	source := "embedded"
	if fetcher != l.embedded {
		result, err := fetcher.Fetch(ctx, target)
		if err != nil {
			return nil, "", err
		}
		source = result.Source
		user := l.ctx.CompileBytes(result.Content, cue.Filename(result.Source))
		if user.Err() != nil {
			return nil, "", fmt.Errorf("failed to compile profile %s: %w", result.Source, user.Err())
		}
		value = def.Unify(user)
	}

	for _, o := range overrides {
		value = value.FillPath(cue.ParsePath(o.Path), o.Value)
	}

	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, "", fmt.Errorf("profile %s does not satisfy the schema: %w", source, err)
	}

	p := &Profile{}
	if err := value.Decode(p); err != nil {
		return nil, "", fmt.Errorf("failed to decode profile %s: %w", source, err)
	}
	if _, err := p.Timeouts.Parse(); err != nil {
		return nil, "", fmt.Errorf("profile %s: %w", source, err)
	}
	return p, source, nil
}

// schema compiles the embedded schema and returns #Profile
func (l *Loader) schema(ctx context.Context) (cue.Value, error) {
	result, err := l.embedded.Fetch(ctx, "")
	if err != nil {
		return cue.Value{}, err
	}
	v := l.ctx.CompileBytes(result.Content, cue.Filename(result.Source))
	if v.Err() != nil {
		return cue.Value{}, fmt.Errorf("failed to compile embedded schema: %w", v.Err())
	}
	def := v.LookupPath(cue.ParsePath("#Profile"))
	if !def.Exists() {
		return cue.Value{}, fmt.Errorf("#Profile definition not found in embedded schema")
	}
	return def, nil
}
