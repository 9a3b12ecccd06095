package lifecycle

import (
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/containerd/errdefs"

	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/types"
)

// Labels carried by every pod and job the orchestrator creates. Reconcile
// and teardown select on these, so they must stay stable across versions.
const (
	LabelName      = "app.kubernetes.io/name"
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelLanguage  = "kiln.io/language"
	LabelRole      = "kiln.io/role"
	LabelJob       = "kiln.io/job"

	RolePool = "pool"
	RoleJob  = "job"

	appName = "kiln"
)

const (
	// WorkingDir is the shared volume mount where code, files, and state live
	// inside every execution pod.
	WorkingDir = types.DefaultWorkingDir

	sharedVolume = "shared-data"
	agentSource  = "/opt/executor-agent"
	agentPath    = WorkingDir + "/.executor-agent"

	// runAsUser is the non-root UID for all containers (distroless "nonroot").
	runAsUser = 65532

	// gvisorRuntimeClass triggers the GKE Sandbox selector, toleration, and
	// annotation in addition to runtimeClassName.
	gvisorRuntimeClass = "gvisor"
	gvisorNodeLabel    = "sandbox.gke.io/runtime"
)

// Labels returns the label set for a pod of the given language and role.
func Labels(language, role string) map[string]string {
	return map[string]string{
		LabelName:      appName,
		LabelManagedBy: appName,
		LabelLanguage:  language,
		LabelRole:      role,
	}
}

// ManagedSelector matches every pod the orchestrator owns, any role.
func ManagedSelector() string {
	return LabelManagedBy + "=" + appName
}

// PoolSelector matches warm pool pods only.
func PoolSelector() string {
	return ManagedSelector() + "," + LabelRole + "=" + RolePool
}

// JobPodSelector matches the pod spawned for one job.
func JobPodSelector(jobName string) string {
	return LabelJob + "=" + jobName
}

// BuildPod constructs the two-container execution pod for a language. The
// main container runs the language runtime; the sidecar serves the HTTP
// protocol on cfg.SidecarPort. Both mount a bounded emptyDir at /mnt/data.
//
// Execution mode decides privileges:
//
//   - agent: an init container copies the executor binary from the sidecar
//     image into the shared volume and the main container runs it. Every
//     container drops ALL capabilities and runs as non-root 65532, which
//     keeps the pod admissible under restricted PSS and gVisor.
//   - nsenter: the sidecar enters the main container's mount namespace, so
//     it needs SYS_PTRACE, SYS_ADMIN, SYS_CHROOT, privilege escalation, and
//     a shared process namespace.
func BuildPod(cfg config.ClusterConfig, name string, lang *config.LanguageSpec, labels map[string]string) (*corev1.Pod, error) {
	agent := cfg.ExecMode != config.ExecModeNsenter

	mainResources, err := parseResources(cfg.CPURequest, cfg.MemoryRequest, cfg.CPULimit, cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("pod %s: %w", name, err)
	}

	sharedMount := corev1.VolumeMount{Name: sharedVolume, MountPath: WorkingDir}
	pullPolicy := corev1.PullPolicy(cfg.ImagePullPolicy)

	main := corev1.Container{
		Name:            "main",
		Image:           lang.Image,
		ImagePullPolicy: pullPolicy,
		VolumeMounts:    []corev1.VolumeMount{sharedMount},
		SecurityContext: restrictedSecurity(),
		Resources:       mainResources,
		Env: []corev1.EnvVar{
			{Name: "PYTHONUNBUFFERED", Value: "1"},
			{Name: "HOME", Value: WorkingDir},
		},
	}
	if agent {
		// Override the runtime image entrypoint with the staged executor.
		main.Args = []string{agentPath}
	}

	sidecar := corev1.Container{
		Name:            "sidecar",
		Image:           cfg.SidecarImage,
		ImagePullPolicy: pullPolicy,
		Ports: []corev1.ContainerPort{
			{Name: "http", ContainerPort: int32(cfg.SidecarPort)},
		},
		VolumeMounts:    []corev1.VolumeMount{sharedMount},
		SecurityContext: sidecarSecurity(agent),
		Resources:       staticResources("100m", "256Mi", "500m", "512Mi"),
		Env: []corev1.EnvVar{
			{Name: "LANGUAGE", Value: lang.Name},
			{Name: "WORKING_DIR", Value: WorkingDir},
			{Name: "SIDECAR_PORT", Value: fmt.Sprintf("%d", cfg.SidecarPort)},
			{Name: "EXECUTION_MODE", Value: string(cfg.ExecMode)},
			{Name: "EXECUTOR_PORT", Value: fmt.Sprintf("%d", cfg.ExecutorPort)},
		},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{Path: "/ready", Port: intstr.FromInt32(int32(cfg.SidecarPort))},
			},
			InitialDelaySeconds: 5,
			PeriodSeconds:       3,
			TimeoutSeconds:      5,
			FailureThreshold:    5,
		},
		LivenessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{Path: "/health", Port: intstr.FromInt32(int32(cfg.SidecarPort))},
			},
			InitialDelaySeconds: 5,
			PeriodSeconds:       10,
			TimeoutSeconds:      5,
			FailureThreshold:    3,
		},
	}

	var initContainers []corev1.Container
	if agent {
		initContainers = []corev1.Container{{
			Name:            "agent-init",
			Image:           cfg.SidecarImage,
			ImagePullPolicy: pullPolicy,
			Command: []string{
				"/bin/sh", "-c",
				fmt.Sprintf("cp %s %s && chmod 0755 %s", agentSource, agentPath, agentPath),
			},
			VolumeMounts:    []corev1.VolumeMount{sharedMount},
			SecurityContext: restrictedSecurity(),
			Resources:       staticResources("50m", "32Mi", "100m", "64Mi"),
		}}
	}

	spec := corev1.PodSpec{
		InitContainers: initContainers,
		Containers:     []corev1.Container{main, sidecar},
		Volumes: []corev1.Volume{{
			Name: sharedVolume,
			VolumeSource: corev1.VolumeSource{
				EmptyDir: &corev1.EmptyDirVolumeSource{
					SizeLimit: ptr.To(resource.MustParse("1Gi")),
				},
			},
		}},
		RestartPolicy:                 corev1.RestartPolicyNever,
		TerminationGracePeriodSeconds: ptr.To(int64(10)),
		// nsenter needs /proc visibility across containers.
		ShareProcessNamespace: ptr.To(!agent),
		SecurityContext: &corev1.PodSecurityContext{
			FSGroup: ptr.To(int64(runAsUser)),
			SeccompProfile: &corev1.SeccompProfile{
				Type: corev1.SeccompProfileTypeRuntimeDefault,
			},
		},
	}

	annotations := map[string]string{}
	nodeSelector := map[string]string{}
	for k, v := range cfg.NodeSelector {
		nodeSelector[k] = v
	}

	if cfg.RuntimeClass != "" {
		spec.RuntimeClassName = ptr.To(cfg.RuntimeClass)
		if cfg.RuntimeClass == gvisorRuntimeClass {
			nodeSelector[gvisorNodeLabel] = gvisorRuntimeClass
			annotations[gvisorNodeLabel] = gvisorRuntimeClass
			spec.Tolerations = append(spec.Tolerations, corev1.Toleration{
				Key:      gvisorNodeLabel,
				Operator: corev1.TolerationOpEqual,
				Value:    gvisorRuntimeClass,
				Effect:   corev1.TaintEffectNoSchedule,
			})
		}
	}
	if len(nodeSelector) > 0 {
		spec.NodeSelector = nodeSelector
	}
	for _, secret := range cfg.ImagePullSecrets {
		spec.ImagePullSecrets = append(spec.ImagePullSecrets, corev1.LocalObjectReference{Name: secret})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   cfg.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: spec,
	}, nil
}

// BuildJob wraps the execution pod in a Job for cold-path languages. No
// retries: a failed execution is reported, not re-run.
func BuildJob(cfg config.ClusterConfig, name string, lang *config.LanguageSpec, labels map[string]string) (*batchv1.Job, error) {
	pod, err := BuildPod(cfg, name+"-pod", lang, labels)
	if err != nil {
		return nil, err
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      labels,
					Annotations: pod.Annotations,
				},
				Spec: pod.Spec,
			},
			BackoffLimit:            ptr.To(int32(0)),
			TTLSecondsAfterFinished: ptr.To(int32(cfg.JobTTLSec)),
			ActiveDeadlineSeconds:   ptr.To(int64(cfg.JobActiveDeadlineSec)),
		},
	}, nil
}

func restrictedSecurity() *corev1.SecurityContext {
	return &corev1.SecurityContext{
		RunAsUser:                ptr.To(int64(runAsUser)),
		RunAsGroup:               ptr.To(int64(runAsUser)),
		RunAsNonRoot:             ptr.To(true),
		AllowPrivilegeEscalation: ptr.To(false),
		Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
	}
}

// sidecarSecurity returns the restricted context in agent mode. nsenter mode
// needs setns() into the main container, which takes SYS_PTRACE to read
// /proc/<pid>/ns, SYS_ADMIN for setns itself, SYS_CHROOT for the mount
// namespace, and privilege escalation for the file capabilities on nsenter.
func sidecarSecurity(agent bool) *corev1.SecurityContext {
	if agent {
		return restrictedSecurity()
	}
	return &corev1.SecurityContext{
		RunAsUser:                ptr.To(int64(runAsUser)),
		RunAsGroup:               ptr.To(int64(runAsUser)),
		RunAsNonRoot:             ptr.To(true),
		AllowPrivilegeEscalation: ptr.To(true),
		Capabilities: &corev1.Capabilities{
			Add:  []corev1.Capability{"SYS_PTRACE", "SYS_ADMIN", "SYS_CHROOT"},
			Drop: []corev1.Capability{"ALL"},
		},
	}
}

func parseResources(cpuReq, memReq, cpuLim, memLim string) (corev1.ResourceRequirements, error) {
	parse := func(field, s string) (resource.Quantity, error) {
		q, err := resource.ParseQuantity(s)
		if err != nil {
			return q, fmt.Errorf("unparsable %s %q: %w", field, s, errdefs.ErrInvalidArgument)
		}
		return q, nil
	}

	cr, err := parse("cpu request", cpuReq)
	if err != nil {
		return corev1.ResourceRequirements{}, err
	}
	mr, err := parse("memory request", memReq)
	if err != nil {
		return corev1.ResourceRequirements{}, err
	}
	cl, err := parse("cpu limit", cpuLim)
	if err != nil {
		return corev1.ResourceRequirements{}, err
	}
	ml, err := parse("memory limit", memLim)
	if err != nil {
		return corev1.ResourceRequirements{}, err
	}

	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{corev1.ResourceCPU: cr, corev1.ResourceMemory: mr},
		Limits:   corev1.ResourceList{corev1.ResourceCPU: cl, corev1.ResourceMemory: ml},
	}, nil
}

func staticResources(cpuReq, memReq, cpuLim, memLim string) corev1.ResourceRequirements {
	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(cpuReq),
			corev1.ResourceMemory: resource.MustParse(memReq),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(cpuLim),
			corev1.ResourceMemory: resource.MustParse(memLim),
		},
	}
}
