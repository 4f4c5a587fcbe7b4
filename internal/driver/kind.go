package driver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// ClientsetFactory builds a Kubernetes client from raw kubeconfig bytes.
type ClientsetFactory func(kubeconfig []byte) (kubernetes.Interface, error)

// KindDriver manages clusters with the kind CLI and runs commands through kubectl.
type KindDriver struct {
	exec         CommandExecutor
	kindBin      string
	kubectlBin   string
	pollInterval time.Duration
	clientset    ClientsetFactory

	// kubeconfigDir holds one kubeconfig per cluster; Exec pins kubectl to it.
	kubeconfigDir string
}

// KindOption customises a KindDriver.
type KindOption func(*KindDriver)

// WithExecutor replaces the process executor.
func WithExecutor(e CommandExecutor) KindOption {
	return func(k *KindDriver) { k.exec = e }
}

// WithBinaries overrides the kind and kubectl binary paths.
func WithBinaries(kind, kubectl string) KindOption {
	return func(k *KindDriver) {
		if kind != "" {
			k.kindBin = kind
		}
		if kubectl != "" {
			k.kubectlBin = kubectl
		}
	}
}

// WithClientsetFactory replaces how readiness checks reach the cluster API.
func WithClientsetFactory(f ClientsetFactory) KindOption {
	return func(k *KindDriver) { k.clientset = f }
}

// WithPollInterval sets how often WaitReady checks node conditions.
func WithPollInterval(d time.Duration) KindOption {
	return func(k *KindDriver) {
		if d > 0 {
			k.pollInterval = d
		}
	}
}

// WithKubeconfigDir sets where per-cluster kubeconfig files are kept.
func WithKubeconfigDir(dir string) KindOption {
	return func(k *KindDriver) {
		if dir != "" {
			k.kubeconfigDir = dir
		}
	}
}

// NewKindDriver creates a driver using the kind and kubectl binaries on PATH.
func NewKindDriver(opts ...KindOption) *KindDriver {
	k := &KindDriver{
		exec:         OSExecutor{},
		kindBin:      "kind",
		kubectlBin:   "kubectl",
		pollInterval: 2 * time.Second,
		clientset:    clientsetFromKubeconfig,

		kubeconfigDir: filepath.Join(os.TempDir(), "kubebox-kubeconfigs"),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func clientsetFromKubeconfig(kubeconfig []byte) (kubernetes.Interface, error) {
	cfg, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("parsing kubeconfig: %w", err)
	}
	return kubernetes.NewForConfig(cfg)
}

// kind cluster config, see https://kind.sigs.k8s.io/docs/user/configuration/
type clusterConfig struct {
	Kind       string       `yaml:"kind"`
	APIVersion string       `yaml:"apiVersion"`
	Name       string       `yaml:"name"`
	Nodes      []nodeConfig `yaml:"nodes"`
}

type nodeConfig struct {
	Role  string `yaml:"role"`
	Image string `yaml:"image,omitempty"`
}

func renderClusterConfig(name string, opts CreateOptions) (string, error) {
	cfg := clusterConfig{
		Kind:       "Cluster",
		APIVersion: "kind.x-k8s.io/v1alpha4",
		Name:       name,
		Nodes:      []nodeConfig{{Role: "control-plane", Image: opts.NodeImage}},
	}
	for i := 0; i < opts.Workers; i++ {
		cfg.Nodes = append(cfg.Nodes, nodeConfig{Role: "worker", Image: opts.NodeImage})
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("rendering cluster config: %w", err)
	}
	return string(data), nil
}

func (k *KindDriver) Create(ctx context.Context, name string, opts CreateOptions) error {
	config, err := renderClusterConfig(name, opts)
	if err != nil {
		return err
	}
	_, err = k.exec.Run(ctx, config, k.kindBin, "create", "cluster", "--name", name, "--config", "-")
	return err
}

func (k *KindDriver) WaitReady(ctx context.Context, name string, timeout time.Duration) error {
	kubeconfig, err := k.exec.Run(ctx, "", k.kindBin, "get", "kubeconfig", "--name", name)
	if err != nil {
		return err
	}
	client, err := k.clientset([]byte(kubeconfig))
	if err != nil {
		return err
	}

	err = wait.PollUntilContextTimeout(ctx, k.pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
		if err != nil {
			// API server not answering yet
			return false, nil
		}
		return nodesReady(nodes.Items), nil
	})
	if err != nil {
		return fmt.Errorf("waiting for cluster %s to become ready: %w", name, err)
	}
	return nil
}

func nodesReady(nodes []corev1.Node) bool {
	if len(nodes) == 0 {
		return false
	}
	for _, n := range nodes {
		ready := false
		for _, c := range n.Status.Conditions {
			if c.Type == corev1.NodeReady && c.Status == corev1.ConditionTrue {
				ready = true
				break
			}
		}
		if !ready {
			return false
		}
	}
	return true
}

func (k *KindDriver) Delete(ctx context.Context, name string) error {
	if _, err := k.exec.Run(ctx, "", k.kindBin, "delete", "cluster", "--name", name); err != nil {
		return err
	}
	if err := os.Remove(k.kubeconfigPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing kubeconfig for %s: %w", name, err)
	}
	return nil
}

func (k *KindDriver) List(ctx context.Context) ([]string, error) {
	out, err := k.exec.Run(ctx, "", k.kindBin, "get", "clusters")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "No kind clusters found") {
			continue
		}
		names = append(names, line)
	}
	return names, nil
}

// Exec runs kubectl with a kubeconfig that only knows the named cluster.
func (k *KindDriver) Exec(ctx context.Context, name string, argv []string) (string, error) {
	path, err := k.ensureKubeconfig(ctx, name)
	if err != nil {
		return "", err
	}
	args := append([]string{"--kubeconfig", path, "--context", "kind-" + name}, argv...)
	return k.exec.Run(ctx, "", k.kubectlBin, args...)
}

func (k *KindDriver) kubeconfigPath(name string) string {
	return filepath.Join(k.kubeconfigDir, name+".kubeconfig")
}

// ensureKubeconfig writes the cluster's kubeconfig on first use. The file is
// written to a temporary name and renamed so concurrent callers never see a
// partial file.
func (k *KindDriver) ensureKubeconfig(ctx context.Context, name string) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid cluster name %q", name)
	}
	path := k.kubeconfigPath(name)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	kubeconfig, err := k.exec.Run(ctx, "", k.kindBin, "get", "kubeconfig", "--name", name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(k.kubeconfigDir, 0o700); err != nil {
		return "", fmt.Errorf("creating kubeconfig dir: %w", err)
	}
	tmp, err := os.CreateTemp(k.kubeconfigDir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("writing kubeconfig for %s: %w", name, err)
	}
	_, werr := tmp.WriteString(kubeconfig)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing kubeconfig for %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing kubeconfig for %s: %w", name, err)
	}
	return path, nil
}
