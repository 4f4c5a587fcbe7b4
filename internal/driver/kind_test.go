package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
)

func node(name string, ready corev1.ConditionStatus) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: ready}},
		},
	}
}

func TestKindCreateRendersConfig(t *testing.T) {
	m := NewMockExecutor()
	d := NewKindDriver(WithExecutor(m), WithBinaries("/usr/local/bin/kind", ""))

	err := d.Create(context.Background(), "sb-abc1234567", CreateOptions{NodeImage: "kindest/node:v1.31.0", Workers: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	calls := m.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	want := "/usr/local/bin/kind create cluster --name sb-abc1234567 --config -"
	if got := calls[0].Line(); got != want {
		t.Errorf("command = %q, want %q", got, want)
	}

	var cfg clusterConfig
	if err := yaml.Unmarshal([]byte(calls[0].Stdin), &cfg); err != nil {
		t.Fatalf("config is not valid YAML: %v", err)
	}
	if cfg.Kind != "Cluster" || cfg.APIVersion != "kind.x-k8s.io/v1alpha4" {
		t.Errorf("unexpected header %q %q", cfg.Kind, cfg.APIVersion)
	}
	if len(cfg.Nodes) != 3 {
		t.Fatalf("got %d nodes, want 3", len(cfg.Nodes))
	}
	if cfg.Nodes[0].Role != "control-plane" || cfg.Nodes[2].Role != "worker" {
		t.Errorf("unexpected roles: %+v", cfg.Nodes)
	}
	if cfg.Nodes[1].Image != "kindest/node:v1.31.0" {
		t.Errorf("image = %q", cfg.Nodes[1].Image)
	}
}

func TestKindCreateFailureCarriesStderr(t *testing.T) {
	m := NewMockExecutor()
	m.On("kind create", MockResponse{Err: &CommandError{
		Command: "kind create cluster",
		Stderr:  "ERROR: failed to create cluster: node(s) already exist",
		Err:     errors.New("exit status 1"),
	}})
	d := NewKindDriver(WithExecutor(m))

	err := d.Create(context.Background(), "sb-abc1234567", CreateOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "already exist") {
		t.Errorf("error %q should include stderr", err)
	}
}

func TestKindList(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   []string
	}{
		{"empty", "", nil},
		{"banner", "No kind clusters found.\n", nil},
		{"two", "sb-abc1234567\nsb-zzz9999999\n", []string{"sb-abc1234567", "sb-zzz9999999"}},
		{"whitespace", "  kind \n\n", []string{"kind"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMockExecutor()
			m.On("kind get clusters", MockResponse{Stdout: tt.stdout})
			d := NewKindDriver(WithExecutor(m))

			got, err := d.List(context.Background())
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("List = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindExecPinsKubeconfig(t *testing.T) {
	dir := t.TempDir()
	m := NewMockExecutor()
	m.On("kind get kubeconfig --name sb-abc1234567", MockResponse{Stdout: "apiVersion: v1\nclusters: []\n"})
	m.On("kubectl", MockResponse{Stdout: "No resources found\n"})
	d := NewKindDriver(WithExecutor(m), WithKubeconfigDir(dir))

	out, err := d.Exec(context.Background(), "sb-abc1234567", []string{"get", "pods"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if out != "No resources found\n" {
		t.Errorf("output = %q", out)
	}

	path := filepath.Join(dir, "sb-abc1234567.kubeconfig")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("kubeconfig not written: %v", err)
	}
	if string(data) != "apiVersion: v1\nclusters: []\n" {
		t.Errorf("kubeconfig = %q", data)
	}

	calls := m.Calls()
	want := "kubectl --kubeconfig " + path + " --context kind-sb-abc1234567 get pods"
	if got := calls[len(calls)-1].Line(); got != want {
		t.Errorf("command = %q, want %q", got, want)
	}

	// the file is reused on the next command
	if _, err := d.Exec(context.Background(), "sb-abc1234567", []string{"get", "nodes"}); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	fetches := 0
	for _, c := range m.Calls() {
		if strings.HasPrefix(c.Line(), "kind get kubeconfig") {
			fetches++
		}
	}
	if fetches != 1 {
		t.Errorf("kubeconfig fetched %d times, want 1", fetches)
	}
}

func TestKindExecOtherContextStaysInOwnKubeconfig(t *testing.T) {
	dir := t.TempDir()
	m := NewMockExecutor()
	m.On("kind get kubeconfig --name sb-attacker01", MockResponse{Stdout: "own\n"})
	m.On("kind get kubeconfig --name sb-victim0001", MockResponse{Stdout: "victim\n"})
	d := NewKindDriver(WithExecutor(m), WithKubeconfigDir(dir))

	argv := []string{"--context", "kind-sb-victim0001", "get", "secrets", "-A"}
	if _, err := d.Exec(context.Background(), "sb-attacker01", argv); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	for _, c := range m.Calls() {
		if strings.Contains(c.Line(), "get kubeconfig --name sb-victim0001") {
			t.Fatal("the other cluster's kubeconfig must never be fetched")
		}
	}
	calls := m.Calls()
	last := calls[len(calls)-1]
	if last.Args[0] != "--kubeconfig" || last.Args[1] != filepath.Join(dir, "sb-attacker01.kubeconfig") {
		t.Errorf("args = %v, want the caller's kubeconfig first", last.Args)
	}
	if _, err := os.Stat(filepath.Join(dir, "sb-victim0001.kubeconfig")); err == nil {
		t.Error("no kubeconfig should exist for the other cluster")
	}
}

func TestKindExecRejectsPathNames(t *testing.T) {
	d := NewKindDriver(WithExecutor(NewMockExecutor()), WithKubeconfigDir(t.TempDir()))
	if _, err := d.Exec(context.Background(), "../etc", []string{"get", "pods"}); err == nil {
		t.Error("expected error for a name with a path separator")
	}
}

func TestKindDelete(t *testing.T) {
	dir := t.TempDir()
	m := NewMockExecutor()
	d := NewKindDriver(WithExecutor(m), WithKubeconfigDir(dir))

	if _, err := d.Exec(context.Background(), "sb-abc1234567", []string{"get", "pods"}); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if err := d.Delete(context.Background(), "sb-abc1234567"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	calls := m.Calls()
	if got := calls[len(calls)-1].Line(); got != "kind delete cluster --name sb-abc1234567" {
		t.Errorf("command = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "sb-abc1234567.kubeconfig")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("kubeconfig should be removed, stat err = %v", err)
	}

	// deleting a cluster that never ran a command is fine
	if err := d.Delete(context.Background(), "sb-zzz9999999"); err != nil {
		t.Errorf("Delete without kubeconfig: %v", err)
	}
}

func TestKindWaitReady(t *testing.T) {
	m := NewMockExecutor()
	m.On("kind get kubeconfig", MockResponse{Stdout: "apiVersion: v1\n"})

	var gotKubeconfig string
	d := NewKindDriver(
		WithExecutor(m),
		WithPollInterval(10*time.Millisecond),
		WithClientsetFactory(func(kubeconfig []byte) (kubernetes.Interface, error) {
			gotKubeconfig = string(kubeconfig)
			return fake.NewClientset(node("cp", corev1.ConditionTrue), node("w1", corev1.ConditionTrue)), nil
		}),
	)

	if err := d.WaitReady(context.Background(), "sb-abc1234567", time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if gotKubeconfig != "apiVersion: v1\n" {
		t.Errorf("kubeconfig = %q", gotKubeconfig)
	}
}

func TestKindWaitReadyTimesOut(t *testing.T) {
	m := NewMockExecutor()
	d := NewKindDriver(
		WithExecutor(m),
		WithPollInterval(10*time.Millisecond),
		WithClientsetFactory(func([]byte) (kubernetes.Interface, error) {
			return fake.NewClientset(node("cp", corev1.ConditionTrue), node("w1", corev1.ConditionFalse)), nil
		}),
	)

	if err := d.WaitReady(context.Background(), "sb-abc1234567", 50*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestNodesReadyRequiresNodes(t *testing.T) {
	if nodesReady(nil) {
		t.Error("no nodes must not count as ready")
	}
}

func TestPolicy(t *testing.T) {
	p := Policy{DefaultImage: "kindest/node:v1.31.0", Images: []string{"kindest/node:v1.30.4"}, Workers: 1, MaxOutputBytes: 4}

	if !p.IsImageAllowed("") || !p.IsImageAllowed("kindest/node:v1.31.0") || !p.IsImageAllowed("kindest/node:v1.30.4") {
		t.Error("expected default and listed images to be allowed")
	}
	if p.IsImageAllowed("evil/node:latest") {
		t.Error("unlisted image should be rejected")
	}
	if opts := p.Options(""); opts.NodeImage != "kindest/node:v1.31.0" || opts.Workers != 1 {
		t.Errorf("Options = %+v", opts)
	}
	if got := p.Truncate("abcdefgh"); !strings.HasPrefix(got, "abcd\n") {
		t.Errorf("Truncate = %q", got)
	}
	if got := p.Truncate("abcé€"); !strings.HasPrefix(got, "abc\n") {
		t.Errorf("Truncate split a rune: %q", got)
	}
}

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "h"},
		{"héllo", 3, "hé"},
		{"€uro", 1, ""},
		{"€uro", 2, ""},
		{"€uro", 3, "€"},
	}
	for _, tt := range tests {
		if got := TruncateUTF8(tt.in, tt.n); got != tt.want {
			t.Errorf("TruncateUTF8(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
