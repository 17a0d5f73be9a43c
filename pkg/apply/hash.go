package apply

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// ConfigHashAnnotation records the hash of the desired configuration an
// object was last written with
const ConfigHashAnnotation = "capstan.io/config-hash"

// ConfigHash computes a stable hash of the desired parts of obj: everything
// except status, server-populated metadata and the hash annotation itself
func ConfigHash(obj *unstructured.Unstructured) (string, error) {
	stripped := obj.DeepCopy()
	unstructured.RemoveNestedField(stripped.Object, "status")
	for _, f := range []string{"resourceVersion", "uid", "generation", "creationTimestamp", "managedFields", "deletionTimestamp", "deletionGracePeriodSeconds", "selfLink"} {
		unstructured.RemoveNestedField(stripped.Object, "metadata", f)
	}
	unstructured.RemoveNestedField(stripped.Object, "metadata", "annotations", ConfigHashAnnotation)
	if ann, found, _ := unstructured.NestedMap(stripped.Object, "metadata", "annotations"); found && len(ann) == 0 {
		unstructured.RemoveNestedField(stripped.Object, "metadata", "annotations")
	}

	// encoding/json sorts map keys, which keeps the hash stable
	data, err := json.Marshal(stripped.Object)
	if err != nil {
		return "", fmt.Errorf("failed to marshal object for hashing: %w", err)
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16), nil
}

// StampConfigHash sets the config hash annotation on obj
func StampConfigHash(obj *unstructured.Unstructured) error {
	h, err := ConfigHash(obj)
	if err != nil {
		return err
	}
	ann := obj.GetAnnotations()
	if ann == nil {
		ann = map[string]string{}
	}
	ann[ConfigHashAnnotation] = h
	obj.SetAnnotations(ann)
	return nil
}

// UpToDate reports whether live was written from the same configuration as desired
func UpToDate(live, desired *unstructured.Unstructured) (bool, error) {
	if live == nil {
		return false, nil
	}
	want, err := ConfigHash(desired)
	if err != nil {
		return false, err
	}
	return live.GetAnnotations()[ConfigHashAnnotation] == want, nil
}
