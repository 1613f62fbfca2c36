package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fuzzbench/fuzzbench/pkg/provisioner"
)

var forceStop bool

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Delete the instances of an experiment",
	Long: `Delete every trial instance of the configured experiment. This is useful
for cleaning up after an interrupted dispatcher; trial rows are left as they
are and a later dispatch resumes them.`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().BoolVarP(&forceStop, "force", "f", false, "Skip confirmation prompt")
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()

	docker, err := provisioner.NewDocker(log, provisioner.DockerOptions{
		Network:       cfg.Provisioner.DockerNetwork,
		InstanceImage: cfg.Provisioner.InstanceImage,
	})
	if err != nil {
		return err
	}

	defer func() {
		if err := docker.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop provisioner")
		}
	}()

	return stopExperiment(ctx, docker, cfg.Experiment, forceStop, os.Stdin, os.Stdout)
}

func isTrialID(s string) bool {
	if s == "" {
		return false
	}

	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}

	return true
}

// stopExperiment deletes the instances whose name carries the experiment's
// prefix, after confirmation on in unless force is set.
func stopExperiment(
	ctx context.Context,
	prov provisioner.Provisioner,
	experiment string,
	force bool,
	in io.Reader,
	out io.Writer,
) error {
	instances, err := prov.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("listing instances: %w", err)
	}

	prefix := provisioner.InstancePrefix(experiment)
	names := make([]string, 0, len(instances))

	for _, name := range instances {
		// The prefix of "exp" also matches instances of "exp-2".
		id, ok := strings.CutPrefix(name, prefix)
		if ok && isTrialID(id) {
			names = append(names, name)
		}
	}

	if len(names) == 0 {
		log.WithField("experiment", experiment).Info("No instances found")

		return nil
	}

	fmt.Fprintf(out, "\nInstances to be deleted (%d):\n", len(names))

	for _, name := range names {
		fmt.Fprintf(out, "  - %s\n", name)
	}

	fmt.Fprintln(out)

	// Prompt for confirmation if not forced.
	if !force {
		fmt.Fprint(out, "Are you sure you want to delete these instances? [y/N] ")

		response, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Stop cancelled")

			return nil
		}
	}

	if err := prov.DeleteInstances(ctx, names); err != nil {
		return fmt.Errorf("deleting instances: %w", err)
	}

	log.WithField("instances", len(names)).Info("Experiment instances deleted")

	return nil
}
