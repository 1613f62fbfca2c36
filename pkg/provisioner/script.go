package provisioner

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/template"

	"al.essio.dev/pkg/shellescape"
)

//go:embed startup-script.sh.tmpl
var startupScriptTemplate string

var startupScript = template.Must(
	template.New("startup-script").
		Funcs(template.FuncMap{"q": shellescape.Quote}).
		Parse(startupScriptTemplate),
)

// StartupParams is everything baked into a trial's startup script.
type StartupParams struct {
	InstanceName        string
	Experiment          string
	ExperimentFilestore string
	TrialID             uint
	// Fuzzer is the display name, FuzzerImpl the underlying implementation.
	Fuzzer              string
	FuzzerImpl          string
	Benchmark           string
	MaxTotalTime        int
	SnapshotPeriod      int
	DockerRegistry      string
	CloudProject        string
	CloudComputeZone    string
	NumCPUCores         int
	MemoryBytes         int64
	Network             string
	// VariantEnv holds fuzzer variant overrides applied on top of the
	// trial environment.
	VariantEnv map[string]string
}

type scriptData struct {
	InstanceName   string
	RunnerName     string
	ManagedByLabel string
	InstanceLabel  string
	NumCPUCores    int
	MemoryBytes    int64
	Network        string
	Env            []string
	Image          string
}

// RenderStartupScript renders the shell script that boots a trial's runner
// container. The output is deterministic for equal params.
func RenderStartupScript(p *StartupParams) (string, error) {
	if p.InstanceName == "" {
		return "", fmt.Errorf("instance name is required")
	}

	env := map[string]string{
		"INSTANCE_NAME":        p.InstanceName,
		"EXPERIMENT":           p.Experiment,
		"EXPERIMENT_FILESTORE": p.ExperimentFilestore,
		"TRIAL_ID":             strconv.FormatUint(uint64(p.TrialID), 10),
		"FUZZER":               p.FuzzerImpl,
		"FUZZER_DISPLAY_NAME":  p.Fuzzer,
		"BENCHMARK":            p.Benchmark,
		"MAX_TOTAL_TIME":       strconv.Itoa(p.MaxTotalTime),
		"SNAPSHOT_PERIOD":      strconv.Itoa(p.SnapshotPeriod),
		"DOCKER_REGISTRY":      p.DockerRegistry,
	}

	if p.CloudProject != "" {
		env["CLOUD_PROJECT"] = p.CloudProject
	}

	if p.CloudComputeZone != "" {
		env["CLOUD_COMPUTE_ZONE"] = p.CloudComputeZone
	}

	for k, v := range p.VariantEnv {
		env[k] = v
	}

	data := scriptData{
		InstanceName:   p.InstanceName,
		RunnerName:     p.InstanceName + "-runner",
		ManagedByLabel: LabelManagedBy + "=" + managedByValue,
		InstanceLabel:  LabelInstance + "=" + p.InstanceName,
		NumCPUCores:    p.NumCPUCores,
		MemoryBytes:    p.MemoryBytes,
		Network:        p.Network,
		Env:            sortedEnv(env),
		Image:          RunnerImage(p.DockerRegistry, p.Experiment, p.Fuzzer, p.Benchmark),
	}

	var buf bytes.Buffer
	if err := startupScript.Execute(&buf, &data); err != nil {
		return "", fmt.Errorf("rendering startup script: %w", err)
	}

	return buf.String(), nil
}

// WriteStartupScript renders the script into a new file under dir and
// returns its path. The caller removes the file.
func WriteStartupScript(dir string, p *StartupParams) (string, error) {
	script, err := RenderStartupScript(p)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(dir, p.InstanceName+"-*.sh")
	if err != nil {
		return "", fmt.Errorf("creating startup script file: %w", err)
	}

	if _, err := f.WriteString(script); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())

		return "", fmt.Errorf("writing startup script: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())

		return "", fmt.Errorf("closing startup script: %w", err)
	}

	//nolint:gosec // the script is executed by the instance shell.
	if err := os.Chmod(f.Name(), 0o755); err != nil {
		_ = os.Remove(f.Name())

		return "", fmt.Errorf("chmod startup script: %w", err)
	}

	return f.Name(), nil
}

func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}

	return out
}
