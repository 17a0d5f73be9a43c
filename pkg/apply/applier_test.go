package apply

import (
	"context"
	"errors"
	"fmt"
	"testing"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"
)

func credentialsSecret(value string) *unstructured.Unstructured {
	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "v1",
			"kind":       "Secret",
			"metadata": map[string]interface{}{
				"name":      "db-credentials",
				"namespace": "db",
				"labels":    map[string]interface{}{"app.kubernetes.io/managed-by": "capstan"},
			},
			"stringData": map[string]interface{}{"password": value},
		},
	}
}

func conflictErr() error {
	return apierrors.NewConflict(schema.GroupResource{Resource: "secrets"}, "db-credentials", errors.New("field .data owned by helm"))
}

func TestApplier_Create(t *testing.T) {
	c := fake.NewClientBuilder().Build()
	applier := NewApplier(c)

	if err := applier.Apply(context.Background(), credentialsSecret("first"), CreatePolicy()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// A second create leaves the original untouched
	if err := applier.Apply(context.Background(), credentialsSecret("second"), CreatePolicy()); err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}

	secret := &corev1.Secret{}
	if err := c.Get(context.Background(), client.ObjectKey{Namespace: "db", Name: "db-credentials"}, secret); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if secret.Annotations[ConfigHashAnnotation] == "" {
		t.Error("expected config hash annotation")
	}
	if got := secret.StringData["password"]; got != "" && got != "first" {
		t.Errorf("password = %q, want original value", got)
	}
}

func TestApplier_SSA(t *testing.T) {
	var patches []client.Patch
	c := fake.NewClientBuilder().WithInterceptorFuncs(interceptor.Funcs{
		Patch: func(ctx context.Context, cl client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
			patches = append(patches, patch)
			return nil
		},
	}).Build()

	if err := NewApplier(c).Apply(context.Background(), credentialsSecret("x"), DefaultPolicy()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(patches) != 1 || patches[0].Type() != client.Apply.Type() {
		t.Errorf("patches = %v, want a single apply patch", patches)
	}
}

func TestApplier_SSAConflict(t *testing.T) {
	c := fake.NewClientBuilder().WithInterceptorFuncs(interceptor.Funcs{
		Patch: func(ctx context.Context, cl client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
			return conflictErr()
		},
	}).Build()

	err := NewApplier(c).Apply(context.Background(), credentialsSecret("x"), DefaultPolicy())
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want *ConflictError", err)
	}
	if conflict.FieldManager != DefaultFieldManager {
		t.Errorf("FieldManager = %q", conflict.FieldManager)
	}
}

func TestApplier_UnknownMode(t *testing.T) {
	c := fake.NewClientBuilder().Build()
	for _, mode := range []Mode{"Replace", "Merge"} {
		if err := NewApplier(c).Apply(context.Background(), credentialsSecret("x"), Policy{Mode: mode}); err == nil {
			t.Errorf("expected error for unknown mode %s", mode)
		}
	}
	if err := NewApplier(c).Apply(context.Background(), nil, DefaultPolicy()); err == nil {
		t.Error("expected error for nil object")
	}
}

func TestConfigHash(t *testing.T) {
	a := credentialsSecret("x")
	b := credentialsSecret("x")
	b.SetResourceVersion("42")
	b.SetUID("abc")
	b.Object["status"] = map[string]interface{}{"phase": "whatever"}

	ha, err := ConfigHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, _ := ConfigHash(b)
	if ha != hb {
		t.Errorf("hash differs on server-populated fields: %s vs %s", ha, hb)
	}

	if err := StampConfigHash(b); err != nil {
		t.Fatal(err)
	}
	hStamped, _ := ConfigHash(b)
	if hStamped != ha {
		t.Error("hash must ignore its own annotation")
	}

	ok, err := UpToDate(b, a)
	if err != nil || !ok {
		t.Errorf("UpToDate() = %v, %v; want true", ok, err)
	}

	changed := credentialsSecret("y")
	ok, _ = UpToDate(b, changed)
	if ok {
		t.Error("UpToDate() should detect changed data")
	}

	ok, _ = UpToDate(nil, a)
	if ok {
		t.Error("UpToDate(nil) should be false")
	}
}

func TestConflictError(t *testing.T) {
	inner := fmt.Errorf("conflict on .data")
	err := &ConflictError{Resource: "db/settings", FieldManager: "capstan", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("ConflictError should unwrap to inner error")
	}
	if err.Error() == "" {
		t.Error("empty error message")
	}
}
