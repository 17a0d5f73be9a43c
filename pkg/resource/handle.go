package resource

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"
)

// Kind categorises a handle for teardown ordering and reporting
type Kind string

const (
	KindNamespace             Kind = "Namespace"
	KindStorageClass          Kind = "StorageClass"
	KindSecret                Kind = "Secret"
	KindConfigMap             Kind = "ConfigMap"
	KindRelease               Kind = "Release"
	KindCustomResource        Kind = "CustomResource"
	KindStatefulSet           Kind = "StatefulSet"
	KindDeployment            Kind = "Deployment"
	KindPod                   Kind = "Pod"
	KindService               Kind = "Service"
	KindPersistentVolumeClaim Kind = "PersistentVolumeClaim"
	KindPodDisruptionBudget   Kind = "PodDisruptionBudget"
)

// Well-known GroupVersionKinds used across capstan
var (
	GVKNamespace             = schema.GroupVersionKind{Version: "v1", Kind: "Namespace"}
	GVKSecret                = schema.GroupVersionKind{Version: "v1", Kind: "Secret"}
	GVKConfigMap             = schema.GroupVersionKind{Version: "v1", Kind: "ConfigMap"}
	GVKPod                   = schema.GroupVersionKind{Version: "v1", Kind: "Pod"}
	GVKService               = schema.GroupVersionKind{Version: "v1", Kind: "Service"}
	GVKPersistentVolumeClaim = schema.GroupVersionKind{Version: "v1", Kind: "PersistentVolumeClaim"}
	GVKNode                  = schema.GroupVersionKind{Version: "v1", Kind: "Node"}
	GVKEvent                 = schema.GroupVersionKind{Version: "v1", Kind: "Event"}
	GVKStatefulSet           = schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "StatefulSet"}
	GVKDeployment            = schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}
	GVKStorageClass          = schema.GroupVersionKind{Group: "storage.k8s.io", Version: "v1", Kind: "StorageClass"}
	GVKPodDisruptionBudget   = schema.GroupVersionKind{Group: "policy", Version: "v1", Kind: "PodDisruptionBudget"}
)

// Handle is a typed reference to one external resource, or to a labelled set
// of resources when Name is empty and Selector is set.
type Handle struct {
	Kind      Kind
	GVK       schema.GroupVersionKind
	Namespace string
	Name      string
	Selector  labels.Selector
}

// Named returns a handle addressing a single object
func Named(kind Kind, gvk schema.GroupVersionKind, namespace, name string) Handle {
	return Handle{Kind: kind, GVK: gvk, Namespace: namespace, Name: name}
}

// Selecting returns a handle addressing every object of gvk in namespace that
// matches sel
func Selecting(kind Kind, gvk schema.GroupVersionKind, namespace string, sel labels.Selector) Handle {
	return Handle{Kind: kind, GVK: gvk, Namespace: namespace, Selector: sel}
}

// Namespace returns a handle for a namespace
func Namespace(name string) Handle {
	return Named(KindNamespace, GVKNamespace, "", name)
}

// Release returns a handle for a package release. The release is addressed
// through the installer's storage secrets, which carry owner=helm,name=<release>.
func Release(namespace, name string) Handle {
	sel := labels.SelectorFromSet(labels.Set{"owner": "helm", "name": name})
	return Handle{Kind: KindRelease, GVK: GVKSecret, Namespace: namespace, Name: name, Selector: sel}
}

// IsSet reports whether the handle addresses a set of objects rather than a single one
func (h Handle) IsSet() bool {
	return h.Kind == KindRelease || (h.Name == "" && h.Selector != nil)
}

// Ref returns the reference of a single-object handle
func (h Handle) Ref() Ref {
	return Ref{GVK: h.GVK, Namespace: h.Namespace, Name: h.Name}
}

func (h Handle) String() string {
	if h.IsSet() {
		sel := ""
		if h.Selector != nil {
			sel = h.Selector.String()
		}
		if h.Kind == KindRelease {
			return fmt.Sprintf("release %s/%s", h.Namespace, h.Name)
		}
		return fmt.Sprintf("%s %s{%s}", h.Kind, h.Namespace, sel)
	}
	return h.Ref().String()
}

// Get fetches the single object addressed by the handle
func (h Handle) Get(ctx context.Context, c client.Reader) (*unstructured.Unstructured, error) {
	if h.IsSet() {
		return nil, fmt.Errorf("handle %s addresses a set; use List", h)
	}
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(h.GVK)
	if err := c.Get(ctx, client.ObjectKey{Namespace: h.Namespace, Name: h.Name}, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// List returns every object the handle addresses. A single-object handle
// yields zero or one item.
func (h Handle) List(ctx context.Context, c client.Reader) ([]unstructured.Unstructured, error) {
	if !h.IsSet() {
		obj, err := h.Get(ctx, c)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return []unstructured.Unstructured{*obj}, nil
	}

	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(ListGVK(h.GVK))
	opts := []client.ListOption{}
	if h.Namespace != "" {
		opts = append(opts, client.InNamespace(h.Namespace))
	}
	if h.Selector != nil {
		opts = append(opts, client.MatchingLabelsSelector{Selector: h.Selector})
	}
	if err := c.List(ctx, list, opts...); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", h, err)
	}
	for i := range list.Items {
		if list.Items[i].GetKind() == "" {
			list.Items[i].SetGroupVersionKind(h.GVK)
		}
	}
	return list.Items, nil
}

// Exists reports whether at least one addressed object is present
func (h Handle) Exists(ctx context.Context, c client.Reader) (bool, error) {
	items, err := h.List(ctx, c)
	if err != nil {
		return false, err
	}
	return len(items) > 0, nil
}

// Describe renders the live state of the addressed objects as YAML, without
// managed fields.
func (h Handle) Describe(ctx context.Context, c client.Reader) (string, error) {
	items, err := h.List(ctx, c)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return fmt.Sprintf("# %s: not found\n", h), nil
	}

	var b strings.Builder
	for i := range items {
		obj := items[i].DeepCopy()
		unstructured.RemoveNestedField(obj.Object, "metadata", "managedFields")
		out, err := yaml.Marshal(obj.Object)
		if err != nil {
			return "", fmt.Errorf("failed to render %s: %w", RefFor(obj), err)
		}
		if i > 0 {
			b.WriteString("---\n")
		}
		b.Write(out)
	}
	return b.String(), nil
}

// Delete issues a background-propagated delete for every addressed object.
// Objects that are already gone are not an error. Release handles are removed
// through the package installer, not here.
func (h Handle) Delete(ctx context.Context, c client.Client) error {
	if h.Kind == KindRelease {
		return fmt.Errorf("release %s/%s must be removed by the package installer", h.Namespace, h.Name)
	}
	items, err := h.List(ctx, c)
	if err != nil {
		return err
	}
	for i := range items {
		if err := DeleteObject(ctx, c, &items[i]); err != nil {
			return err
		}
	}
	return nil
}

// DeleteObject deletes obj with background propagation, ignoring NotFound
func DeleteObject(ctx context.Context, c client.Writer, obj client.Object) error {
	background := metav1.DeletePropagationBackground
	err := c.Delete(ctx, obj, &client.DeleteOptions{PropagationPolicy: &background})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete %s/%s: %w", obj.GetNamespace(), obj.GetName(), err)
	}
	return nil
}

// ListGVK returns the list kind for gvk
func ListGVK(gvk schema.GroupVersionKind) schema.GroupVersionKind {
	if strings.HasSuffix(gvk.Kind, "List") {
		return gvk
	}
	return gvk.GroupVersion().WithKind(gvk.Kind + "List")
}
