package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/provision/internal/orchestrator"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// usageError marks command line mistakes, which exit like invalid specs.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// noArgs rejects positional arguments as a usage error.
func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return &usageError{err: err}
	}
	return nil
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return orchestrator.ExitOK
	}

	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)

	var uerr *usageError
	if errors.As(err, &uerr) {
		return orchestrator.ExitInvalid
	}
	return orchestrator.ExitCode(err)
}

// options holds the values of the command line flags.
type options struct {
	configPath string

	provider   string
	name       string
	memoryMB   int
	cpus       int
	diskPath   string
	diskSizeMB int
	iso        string
	answerISO  string
	secureBoot string
	generation int
	specPath   string

	dryRun             bool
	stepTimeout        time.Duration
	parallel           int
	output             string
	noHeaders          bool
	metricsFile        string
	bestEffortFirmware bool
	inspectMedia       bool
	verbosity          int
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "provision",
		Short: "Provision a VM on Hyper-V, VirtualBox or libvirt",
		Long: `Provision creates a virtual machine ready for an unattended OS install.

It creates the disk and the VM, configures UEFI Secure Boot, attaches the
installer and answer media and boots the VM. When a step fails, the steps
already done are rolled back.

The VM is described with flags or with --spec, a YAML file holding one or
more VirtualMachine documents.

Exit codes:
  0  success
  1  invalid spec or command line
  2  backend error, rollback completed
  3  rollback failed, manual cleanup required`,
		Example: `  provision --provider hyperv --name Win10Test --memory-mb 2048 --cpus 2 \
    --disk-path 'C:\VMs\Win10Test.vhdx' --disk-size-mb 40000 \
    --iso 'C:\ISO\win10.iso' --answer-iso 'C:\ISO\answer.iso' --secure-boot off

  provision --spec vms.yaml --parallel 2 -o json`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		Args:          noArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(cmd, opts)
		},
	}

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	f := root.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/provision/config.yaml)")
	f.StringVar(&opts.provider, "provider", "", "target provider: hyperv, virtualbox or libvirt")
	f.CountVarP(&opts.verbosity, "verbose", "v", "increase log verbosity (-v info, -vv debug, -vvv trace)")

	f.StringVar(&opts.name, "name", "", "VM name")
	f.IntVar(&opts.memoryMB, "memory-mb", 0, "startup memory in MiB")
	f.IntVar(&opts.cpus, "cpus", 0, "number of virtual processors")
	f.StringVar(&opts.diskPath, "disk-path", "", "absolute path of the disk image to create")
	f.IntVar(&opts.diskSizeMB, "disk-size-mb", 0, "disk size in MiB")
	f.StringVar(&opts.iso, "iso", "", "installer ISO image")
	f.StringVar(&opts.answerISO, "answer-iso", "", "unattended answer ISO image")
	f.StringVar(&opts.secureBoot, "secure-boot", "off", "UEFI Secure Boot: on or off")
	f.IntVar(&opts.generation, "generation", 2, "VM generation: 1 (BIOS) or 2 (UEFI)")
	f.StringVar(&opts.specPath, "spec", "", "YAML file with VirtualMachine documents")

	f.BoolVar(&opts.dryRun, "dry-run", false, "validate and report the steps without calling the provider")
	f.DurationVar(&opts.stepTimeout, "step-timeout", orchestrator.DefaultStepTimeout, "timeout of each provider call")
	f.IntVar(&opts.parallel, "parallel", 1, "number of VMs provisioned at the same time")
	f.StringVarP(&opts.output, "output", "o", "table", "output format: table, yaml or json")
	f.BoolVar(&opts.noHeaders, "no-headers", false, "omit table headers")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this file")
	f.BoolVar(&opts.bestEffortFirmware, "best-effort-firmware", false, "continue when Secure Boot cannot be configured")
	f.BoolVar(&opts.inspectMedia, "inspect-media", false, "read ISO images while planning")

	root.AddCommand(newPlanCmd(opts))
	root.AddCommand(newCheckCmd(opts))

	return root
}
