package plan

import (
	"context"
	"fmt"

	"github.com/jbweber/provision/internal/provider"
)

// StepName identifies the kind of work a Step does.
type StepName string

const (
	StepCreateDisk  StepName = "create-disk"
	StepCreateVM    StepName = "create-vm"
	StepSetFirmware StepName = "set-firmware"
	StepAttachMedia StepName = "attach-media"
	StepStartVM     StepName = "start-vm"
)

// Step is one ordered unit of work with its rollback action.
//
// Params holds the provider parameters for the step: provider.DiskParams
// for create-disk, provider.VMParams for create-vm and start-vm,
// provider.FirmwareParams for set-firmware and provider.MediaParams for
// attach-media.
type Step struct {
	Index       int      `json:"index" yaml:"index"`
	Name        StepName `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`

	// Optional steps may fail without stopping the run.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`

	Params interface{} `json:"params" yaml:"params"`
}

func paramsError(s *Step) error {
	return fmt.Errorf("step %s has parameters of type %T", s.Name, s.Params)
}

// Apply performs the step against the adapter.
func (s *Step) Apply(ctx context.Context, a provider.Adapter) (provider.Outcome, error) {
	switch s.Name {
	case StepCreateDisk:
		if p, ok := s.Params.(provider.DiskParams); ok {
			return a.CreateDisk(ctx, p)
		}
	case StepCreateVM:
		if p, ok := s.Params.(provider.VMParams); ok {
			return a.CreateVM(ctx, p)
		}
	case StepSetFirmware:
		if p, ok := s.Params.(provider.FirmwareParams); ok {
			return a.SetFirmware(ctx, p)
		}
	case StepAttachMedia:
		if p, ok := s.Params.(provider.MediaParams); ok {
			return a.AttachMedia(ctx, p)
		}
	case StepStartVM:
		if p, ok := s.Params.(provider.VMParams); ok {
			return a.StartVM(ctx, p)
		}
	default:
		return provider.Outcome{}, fmt.Errorf("unknown step %q", s.Name)
	}
	return provider.Outcome{}, paramsError(s)
}

// Rollback undoes a step that reported Changed. Firmware settings are
// binary, so a changed set-firmware step is undone by applying the
// opposite setting.
func (s *Step) Rollback(ctx context.Context, a provider.Adapter) (provider.Outcome, error) {
	switch s.Name {
	case StepCreateDisk:
		if p, ok := s.Params.(provider.DiskParams); ok {
			return a.DeleteDisk(ctx, p)
		}
	case StepCreateVM:
		if p, ok := s.Params.(provider.VMParams); ok {
			return a.DeleteVM(ctx, p)
		}
	case StepSetFirmware:
		if p, ok := s.Params.(provider.FirmwareParams); ok {
			p.SecureBoot = !p.SecureBoot
			return a.SetFirmware(ctx, p)
		}
	case StepAttachMedia:
		if p, ok := s.Params.(provider.MediaParams); ok {
			return a.DetachMedia(ctx, p)
		}
	case StepStartVM:
		if p, ok := s.Params.(provider.VMParams); ok {
			return a.StopVM(ctx, p)
		}
	default:
		return provider.Outcome{}, fmt.Errorf("unknown step %q", s.Name)
	}
	return provider.Outcome{}, paramsError(s)
}

// RollbackDescription describes what Rollback does, for plan output.
func (s *Step) RollbackDescription() string {
	switch s.Name {
	case StepCreateDisk:
		return "delete disk"
	case StepCreateVM:
		return "delete VM"
	case StepSetFirmware:
		return "restore previous Secure Boot setting"
	case StepAttachMedia:
		return "detach media"
	case StepStartVM:
		return "power off VM"
	default:
		return ""
	}
}
