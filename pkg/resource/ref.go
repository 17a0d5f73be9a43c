package resource

import (
	"fmt"

	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Ref identifies one object on the control plane
type Ref struct {
	GVK       schema.GroupVersionKind
	Namespace string
	Name      string
}

// RefFor returns the reference of a live object
func RefFor(obj client.Object) Ref {
	return Ref{
		GVK:       obj.GetObjectKind().GroupVersionKind(),
		Namespace: obj.GetNamespace(),
		Name:      obj.GetName(),
	}
}

// String renders the reference as group/version/Kind namespace/name
func (r Ref) String() string {
	gv := r.GVK.Version
	if r.GVK.Group != "" {
		gv = r.GVK.Group + "/" + r.GVK.Version
	}
	if r.Namespace == "" {
		return fmt.Sprintf("%s/%s %s", gv, r.GVK.Kind, r.Name)
	}
	return fmt.Sprintf("%s/%s %s/%s", gv, r.GVK.Kind, r.Namespace, r.Name)
}
