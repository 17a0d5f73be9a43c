package diagnostics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	corev1 "k8s.io/api/core/v1"
	apiresource "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/capstan/pkg/metrics"
	"github.com/chazu/capstan/pkg/readiness"
	"github.com/chazu/capstan/pkg/resource"
)

const (
	// DefaultWorkers bounds the number of sub-probes run concurrently
	DefaultWorkers = 4

	// DefaultTailLines is the number of log lines fetched per container
	DefaultTailLines = 50

	// releaseInstanceLabel selects the pods a package release installed
	releaseInstanceLabel = "app.kubernetes.io/instance"
)

// Inspector gathers diagnostic evidence for resources that failed to converge
type Inspector struct {
	client    client.Reader
	clientset kubernetes.Interface
	workers   int
	tailLines int64
}

// NewInspector creates a new inspector. clientset is used for container logs
// and may be nil, in which case logs are skipped.
func NewInspector(c client.Reader, clientset kubernetes.Interface) *Inspector {
	return &Inspector{
		client:    c,
		clientset: clientset,
		workers:   DefaultWorkers,
		tailLines: DefaultTailLines,
	}
}

// Inspect collects describe output, events, container logs, resource fit and
// claim state for h, then classifies probable causes. Sub-probe failures are
// recorded on the report rather than returned.
func (i *Inspector) Inspect(ctx context.Context, h resource.Handle, observed readiness.Observation) (*Report, error) {
	logger := log.FromContext(ctx).WithValues("resource", h.String())
	logger.V(1).Info("Inspecting stalled resource")

	report := &Report{Handle: h, Observed: observed}

	pods, err := i.relatedPods(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("failed to list pods for %s: %w", h, err)
	}
	var notReady []corev1.Pod
	for _, p := range pods {
		if !readiness.PodReady(&p) {
			notReady = append(notReady, p)
		}
	}
	report.Containers = containerStates(notReady)

	var mu sync.Mutex
	record := func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		fn()
	}
	fail := func(probe string, err error) {
		record(func() { report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", probe, err)) })
	}

	p := pool.New().WithMaxGoroutines(i.workers)
	p.Go(func() {
		if h.Kind == resource.KindRelease {
			record(func() { report.Describe = fmt.Sprintf("# %s: %d pods, %d not ready\n", h, len(pods), len(notReady)) })
			return
		}
		out, err := h.Describe(ctx, i.client)
		if err != nil {
			fail("describe", err)
			return
		}
		record(func() { report.Describe = out })
	})
	p.Go(func() {
		events, err := i.events(ctx, h, notReady)
		if err != nil {
			fail("events", err)
			return
		}
		record(func() { report.Events = events })
	})
	p.Go(func() {
		fit, err := i.fit(ctx, notReady)
		if err != nil {
			fail("fit", err)
			return
		}
		record(func() { report.Fit = fit })
	})
	p.Go(func() {
		claims, err := i.unboundClaims(ctx, h.Namespace)
		if err != nil {
			fail("claims", err)
			return
		}
		record(func() { report.UnboundClaims = claims })
	})
	if i.clientset != nil {
		for _, pod := range notReady {
			for _, cs := range pod.Status.ContainerStatuses {
				if cs.Ready {
					continue
				}
				p.Go(func() {
					logs := i.logs(ctx, &pod, cs)
					record(func() { report.Logs = append(report.Logs, logs...) })
				})
			}
		}
	}
	p.Wait()

	sort.Slice(report.Logs, func(a, b int) bool {
		if report.Logs[a].Pod != report.Logs[b].Pod {
			return report.Logs[a].Pod < report.Logs[b].Pod
		}
		if report.Logs[a].Container != report.Logs[b].Container {
			return report.Logs[a].Container < report.Logs[b].Container
		}
		return report.Logs[a].Previous && !report.Logs[b].Previous
	})

	report.Causes = Classify(report)
	for _, c := range report.Causes {
		metrics.RecordDiagnosis(string(c.Cause))
	}
	logger.V(1).Info("Inspection complete", "causes", len(report.Causes), "probeErrors", len(report.Errors))
	return report, nil
}

// InspectAll inspects every handle. A handle that cannot be inspected yields
// a report carrying only the error.
func (i *Inspector) InspectAll(ctx context.Context, handles []resource.Handle, observed readiness.Observation) []*Report {
	reports := make([]*Report, 0, len(handles))
	for _, h := range handles {
		r, err := i.Inspect(ctx, h, observed)
		if err != nil {
			r = &Report{Handle: h, Observed: observed, Errors: []string{err.Error()}, Causes: []ProbableCause{{Cause: CauseUnknown}}}
		}
		reports = append(reports, r)
	}
	return reports
}

// relatedPods returns the pods a handle owns or selects
func (i *Inspector) relatedPods(ctx context.Context, h resource.Handle) ([]corev1.Pod, error) {
	var sel labels.Selector
	switch {
	case h.Kind == resource.KindRelease:
		sel = labels.SelectorFromSet(labels.Set{releaseInstanceLabel: h.Name})
	case h.GVK == resource.GVKPod && !h.IsSet():
		pod := &corev1.Pod{}
		if err := i.client.Get(ctx, client.ObjectKey{Namespace: h.Namespace, Name: h.Name}, pod); err != nil {
			return nil, client.IgnoreNotFound(err)
		}
		return []corev1.Pod{*pod}, nil
	case h.GVK == resource.GVKPod:
		sel = h.Selector
	case h.GVK == resource.GVKStatefulSet || h.GVK == resource.GVKDeployment:
		if h.IsSet() {
			sel = h.Selector
			break
		}
		obj, err := h.Get(ctx, i.client)
		if err != nil {
			return nil, client.IgnoreNotFound(err)
		}
		sel, err = workloadSelector(obj)
		if err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}
	if sel == nil || sel.Empty() {
		return nil, nil
	}

	list := &corev1.PodList{}
	if err := i.client.List(ctx, list, client.InNamespace(h.Namespace), client.MatchingLabelsSelector{Selector: sel}); err != nil {
		return nil, err
	}
	return list.Items, nil
}

func workloadSelector(obj *unstructured.Unstructured) (labels.Selector, error) {
	raw, found, err := unstructured.NestedMap(obj.Object, "spec", "selector")
	if err != nil || !found {
		return nil, err
	}
	ls := &metav1.LabelSelector{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(raw, ls); err != nil {
		return nil, err
	}
	return metav1.LabelSelectorAsSelector(ls)
}

// events returns events for h and its non-ready pods, oldest first
func (i *Inspector) events(ctx context.Context, h resource.Handle, pods []corev1.Pod) ([]corev1.Event, error) {
	if h.Namespace == "" {
		return nil, nil
	}
	involved := map[string]bool{}
	if h.Name != "" {
		involved[h.Name] = true
	}
	for _, p := range pods {
		involved[p.Name] = true
	}

	list := &corev1.EventList{}
	if err := i.client.List(ctx, list, client.InNamespace(h.Namespace)); err != nil {
		return nil, err
	}
	var out []corev1.Event
	for _, e := range list.Items {
		if involved[e.InvolvedObject.Name] {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return eventTime(out[a]).Before(eventTime(out[b]))
	})
	return out, nil
}

func eventTime(e corev1.Event) time.Time {
	switch {
	case !e.LastTimestamp.IsZero():
		return e.LastTimestamp.Time
	case !e.EventTime.IsZero():
		return e.EventTime.Time
	}
	return e.CreationTimestamp.Time
}

// logs fetches the tail of the current log and, for restarted containers,
// the previous one
func (i *Inspector) logs(ctx context.Context, pod *corev1.Pod, cs corev1.ContainerStatus) []ContainerLog {
	var out []ContainerLog
	fetch := func(previous bool) {
		raw, err := i.clientset.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
			Container: cs.Name,
			TailLines: ptr.To(i.tailLines),
			Previous:  previous,
		}).DoRaw(ctx)
		if err != nil {
			log.FromContext(ctx).V(2).Info("Log fetch failed", "pod", pod.Name, "container", cs.Name, "previous", previous, "error", err.Error())
			return
		}
		out = append(out, ContainerLog{Pod: pod.Name, Container: cs.Name, Previous: previous, Lines: string(raw)})
	}
	fetch(false)
	if cs.RestartCount > 0 {
		fetch(true)
	}
	return out
}

// fit compares the largest pending pod request against the free capacity of
// every schedulable node
func (i *Inspector) fit(ctx context.Context, pods []corev1.Pod) (*Fit, error) {
	f := &Fit{}
	var maxCPU, maxMem apiresource.Quantity
	for _, p := range pods {
		if p.Status.Phase != corev1.PodPending || p.Spec.NodeName != "" {
			continue
		}
		f.PendingPods++
		cpu, mem := podRequests(&p)
		f.RequestedCPU.Add(cpu)
		f.RequestedMemory.Add(mem)
		if cpu.Cmp(maxCPU) > 0 {
			maxCPU = cpu
		}
		if mem.Cmp(maxMem) > 0 {
			maxMem = mem
		}
	}
	if f.PendingPods == 0 {
		return f, nil
	}

	nodes := &corev1.NodeList{}
	if err := i.client.List(ctx, nodes); err != nil {
		return nil, err
	}
	all := &corev1.PodList{}
	if err := i.client.List(ctx, all); err != nil {
		return nil, err
	}
	used := map[string][2]apiresource.Quantity{}
	for _, p := range all.Items {
		if p.Spec.NodeName == "" || p.Status.Phase == corev1.PodSucceeded || p.Status.Phase == corev1.PodFailed {
			continue
		}
		cpu, mem := podRequests(&p)
		u := used[p.Spec.NodeName]
		u[0].Add(cpu)
		u[1].Add(mem)
		used[p.Spec.NodeName] = u
	}

	for _, n := range nodes.Items {
		if !Schedulable(&n) {
			continue
		}
		freeCPU := n.Status.Allocatable.Cpu().DeepCopy()
		freeMem := n.Status.Allocatable.Memory().DeepCopy()
		u := used[n.Name]
		freeCPU.Sub(u[0])
		freeMem.Sub(u[1])
		f.Nodes = append(f.Nodes, NodeFit{
			Node:       n.Name,
			FreeCPU:    freeCPU,
			FreeMemory: freeMem,
			Fits:       freeCPU.Cmp(maxCPU) >= 0 && freeMem.Cmp(maxMem) >= 0,
		})
	}
	return f, nil
}

// unboundClaims lists claims in namespace that are not Bound
func (i *Inspector) unboundClaims(ctx context.Context, namespace string) ([]string, error) {
	if namespace == "" {
		return nil, nil
	}
	list := &corev1.PersistentVolumeClaimList{}
	if err := i.client.List(ctx, list, client.InNamespace(namespace)); err != nil {
		return nil, err
	}
	var out []string
	for _, c := range list.Items {
		if c.Status.Phase != corev1.ClaimBound {
			out = append(out, c.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Schedulable reports whether a node is Ready and not cordoned
func Schedulable(n *corev1.Node) bool {
	if n.Spec.Unschedulable {
		return false
	}
	for _, c := range n.Status.Conditions {
		if c.Type == corev1.NodeReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

func podRequests(p *corev1.Pod) (apiresource.Quantity, apiresource.Quantity) {
	var cpu, mem apiresource.Quantity
	for _, c := range p.Spec.Containers {
		if q, ok := c.Resources.Requests[corev1.ResourceCPU]; ok {
			cpu.Add(q)
		}
		if q, ok := c.Resources.Requests[corev1.ResourceMemory]; ok {
			mem.Add(q)
		}
	}
	return cpu, mem
}

func containerStates(pods []corev1.Pod) []ContainerState {
	var out []ContainerState
	for _, p := range pods {
		for _, cs := range p.Status.ContainerStatuses {
			st := ContainerState{Pod: p.Name, Container: cs.Name, Ready: cs.Ready, Restarts: cs.RestartCount}
			switch {
			case cs.State.Waiting != nil:
				st.Reason, st.Message = cs.State.Waiting.Reason, cs.State.Waiting.Message
			case cs.State.Terminated != nil:
				st.Reason, st.Message = cs.State.Terminated.Reason, cs.State.Terminated.Message
			}
			out = append(out, st)
		}
		if len(p.Status.ContainerStatuses) == 0 {
			out = append(out, ContainerState{Pod: p.Name, Reason: string(p.Status.Phase)})
		}
	}
	return out
}
