package provisioner

import (
	"context"
	"fmt"
	"strings"
)

// Labels applied to every container the docker backend manages.
const (
	LabelManagedBy  = "fuzzbench.managed-by"
	LabelInstance   = "fuzzbench.instance"
	LabelExperiment = "fuzzbench.experiment"
	LabelRole       = "fuzzbench.role"

	managedByValue = "fuzzbench"
	roleInstance   = "instance"
)

// Provisioner creates and deletes trial instances by name.
type Provisioner interface {
	// ListInstances returns the names of the instances currently alive.
	ListInstances(ctx context.Context) ([]string, error)
	// CreateInstance creates and boots one instance.
	CreateInstance(ctx context.Context, req *InstanceRequest) error
	// DeleteInstances deletes the named instances. It fails if any single
	// deletion fails.
	DeleteInstances(ctx context.Context, names []string) error
}

// InstanceRequest describes one instance to create.
type InstanceRequest struct {
	Name       string
	Experiment string
	// StartupScript is the path of the rendered startup script.
	StartupScript string
	// Zone is the cloud zone, ignored by the docker backend.
	Zone string
}

// TrialInstanceName returns the deterministic instance name of a trial.
func TrialInstanceName(experiment string, trialID uint) string {
	return fmt.Sprintf("%s%d", InstancePrefix(experiment), trialID)
}

// InstancePrefix is the name prefix shared by all trial instances of an
// experiment.
func InstancePrefix(experiment string) string {
	return fmt.Sprintf("r-%s-", experiment)
}

// RunnerImage returns the runner image reference of a fuzzer/benchmark pair.
func RunnerImage(registry, experiment, fuzzer, benchmark string) string {
	ref := fmt.Sprintf("runners/%s/%s:%s", fuzzer, benchmark, experiment)
	if registry == "" {
		return ref
	}

	return strings.TrimSuffix(registry, "/") + "/" + ref
}
