package plan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/provision/api/v1alpha1"
	"github.com/jbweber/provision/internal/media"
	"github.com/jbweber/provision/internal/provider"
)

const (
	winDisk   = `C:\VMs\Win10Test.vhdx`
	winISO    = `C:\ISO\win10.iso`
	answerISO = `C:\ISO\answer.iso`
)

// win10Test is the Win10Test example VM.
func win10Test() *v1alpha1.VirtualMachine {
	vm := v1alpha1.NewVirtualMachine("Win10Test")
	vm.Spec.Provider = "hyperv"
	vm.Spec.MemoryMiB = 2048
	vm.Spec.CPUs = 2
	vm.Spec.Disk = v1alpha1.DiskSpec{Path: winDisk, SizeMiB: 40000}
	vm.Spec.Media = []v1alpha1.MediaSpec{
		{Path: winISO, Kind: v1alpha1.MediaInstaller},
		{Path: answerISO, Kind: v1alpha1.MediaAnswer},
	}
	vm.Spec.SecureBoot = false
	return vm
}

func indexOf(names []StepName, name StepName) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

func TestBuild_Win10Test(t *testing.T) {
	p, err := NewBuilder().Build(win10Test())
	require.NoError(t, err)

	assert.Equal(t, []StepName{
		StepCreateDisk,
		StepCreateVM,
		StepSetFirmware,
		StepAttachMedia,
		StepAttachMedia,
		StepStartVM,
	}, p.StepNames())

	assert.Equal(t, "hyperv", p.Provider)
	assert.Equal(t, provider.FirmwareParams{VMName: "Win10Test", SecureBoot: false}, p.Steps[2].Params)
	assert.Equal(t, provider.MediaParams{VMName: "Win10Test", Path: winISO, Index: 0, Boot: true}, p.Steps[3].Params)
	assert.Equal(t, provider.MediaParams{VMName: "Win10Test", Path: answerISO, Index: 1}, p.Steps[4].Params)
	assert.Equal(t, "Set Secure Boot off", p.Steps[2].Description)

	for i, s := range p.Steps {
		assert.Equal(t, i, s.Index)
		assert.False(t, s.Optional)
	}
}

func TestBuild_Ordering(t *testing.T) {
	specs := map[string]func(vm *v1alpha1.VirtualMachine){
		"default":        func(vm *v1alpha1.VirtualMachine) {},
		"generation 1":   func(vm *v1alpha1.VirtualMachine) { vm.Spec.Generation = 1 },
		"secure boot":    func(vm *v1alpha1.VirtualMachine) { vm.Spec.SecureBoot = true },
		"installer only": func(vm *v1alpha1.VirtualMachine) { vm.Spec.Media = vm.Spec.Media[:1] },
		"answer first": func(vm *v1alpha1.VirtualMachine) {
			vm.Spec.Media[0], vm.Spec.Media[1] = vm.Spec.Media[1], vm.Spec.Media[0]
		},
		"no install media": func(vm *v1alpha1.VirtualMachine) {
			install := false
			vm.Spec.Media = nil
			vm.Spec.Install = &install
		},
	}

	for name, mutate := range specs {
		t.Run(name, func(t *testing.T) {
			vm := win10Test()
			mutate(vm)

			p, err := NewBuilder().Build(vm)
			require.NoError(t, err)
			names := p.StepNames()

			assert.Equal(t, StepCreateDisk, names[0])
			assert.Equal(t, StepCreateVM, names[1])
			assert.Equal(t, StepStartVM, names[len(names)-1])
			assert.Less(t, indexOf(names, StepCreateDisk), indexOf(names, StepCreateVM))
			for i, n := range names {
				if n == StepAttachMedia {
					assert.Less(t, i, indexOf(names, StepStartVM))
				}
				if n == StepSetFirmware {
					assert.Greater(t, i, indexOf(names, StepCreateVM))
				}
			}
		})
	}
}

func TestBuild_Generation1SkipsFirmware(t *testing.T) {
	vm := win10Test()
	vm.Spec.Generation = 1
	vm.Spec.Disk.Path = `C:\VMs\Win10Test.vhd`

	p, err := NewBuilder().Build(vm)
	require.NoError(t, err)
	assert.Equal(t, -1, indexOf(p.StepNames(), StepSetFirmware))
}

func TestBuild_BootMediaIsFirstInstaller(t *testing.T) {
	vm := win10Test()
	vm.Spec.Media = []v1alpha1.MediaSpec{
		{Path: answerISO, Kind: v1alpha1.MediaAnswer},
		{Path: winISO},
		{Path: `C:\ISO\drivers.iso`, Kind: v1alpha1.MediaInstaller},
	}

	p, err := NewBuilder().Build(vm)
	require.NoError(t, err)

	var boots []string
	for _, s := range p.Steps {
		if mp, ok := s.Params.(provider.MediaParams); ok && mp.Boot {
			boots = append(boots, mp.Path)
		}
	}
	assert.Equal(t, []string{winISO}, boots)
}

func TestBuild_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(vm *v1alpha1.VirtualMachine)
		want   []string
	}{
		{
			name: "secure boot on generation 1",
			mutate: func(vm *v1alpha1.VirtualMachine) {
				vm.Spec.Generation = 1
				vm.Spec.SecureBoot = true
			},
			want: []string{"spec.secureBoot: requires generation 2"},
		},
		{
			name:   "install without installer",
			mutate: func(vm *v1alpha1.VirtualMachine) { vm.Spec.Media = vm.Spec.Media[1:] },
			want:   []string{"installation requires at least one installer medium"},
		},
		{
			name: "non-positive sizes",
			mutate: func(vm *v1alpha1.VirtualMachine) {
				vm.Spec.MemoryMiB = 0
				vm.Spec.CPUs = -1
				vm.Spec.Disk.SizeMiB = 0
			},
			want: []string{"spec.memoryMiB", "spec.cpus", "spec.disk.sizeMiB"},
		},
		{
			name: "relative paths",
			mutate: func(vm *v1alpha1.VirtualMachine) {
				vm.Spec.Disk.Path = "Win10Test.vhdx"
				vm.Spec.Media[0].Path = "win10.iso"
			},
			want: []string{"spec.disk.path", "spec.media[0].path"},
		},
		{
			name:   "duplicate media",
			mutate: func(vm *v1alpha1.VirtualMachine) { vm.Spec.Media[1].Path = `c:\iso\WIN10.iso` },
			want:   []string{"spec.media[1].path: duplicate media"},
		},
		{
			name:   "media equals disk",
			mutate: func(vm *v1alpha1.VirtualMachine) { vm.Spec.Media[1].Path = winDisk },
			want:   []string{"must differ from spec.disk.path"},
		},
		{
			name:   "bad generation",
			mutate: func(vm *v1alpha1.VirtualMachine) { vm.Spec.Generation = 3 },
			want:   []string{"spec.generation: must be 1 or 2"},
		},
		{
			name:   "unknown media kind",
			mutate: func(vm *v1alpha1.VirtualMachine) { vm.Spec.Media[1].Kind = "driver" },
			want:   []string{"spec.media[1].kind"},
		},
		{
			name:   "disk format unsupported by provider",
			mutate: func(vm *v1alpha1.VirtualMachine) { vm.Spec.Disk.Path = `C:\VMs\Win10Test.vdi` },
			want:   []string{"hyperv cannot create vdi disks"},
		},
		{
			name:   "unknown provider",
			mutate: func(vm *v1alpha1.VirtualMachine) { vm.Spec.Provider = "xen" },
			want:   []string{`unknown provider "xen"`},
		},
		{
			name:   "bad name",
			mutate: func(vm *v1alpha1.VirtualMachine) { vm.Name = "-bad name" },
			want:   []string{"metadata.name"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := win10Test()
			tt.mutate(vm)

			_, err := NewBuilder().Build(vm)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSpec))

			var specErr *InvalidSpecError
			require.True(t, errors.As(err, &specErr))
			for _, w := range tt.want {
				assert.Contains(t, specErr.Error(), w)
			}
		})
	}
}

func TestBuild_ProviderFallback(t *testing.T) {
	vm := win10Test()
	vm.Spec.Provider = ""

	_, err := NewBuilder().Build(vm)
	assert.True(t, errors.Is(err, ErrInvalidSpec))

	p, err := NewBuilder(WithProvider("hyperv")).Build(vm)
	require.NoError(t, err)
	assert.Equal(t, "hyperv", p.Provider)
}

func TestBuild_DoesNotMutateInput(t *testing.T) {
	vm := win10Test()
	vm.Spec.Provider = " HyperV "

	p, err := NewBuilder().Build(vm)
	require.NoError(t, err)

	assert.Equal(t, " HyperV ", vm.Spec.Provider)
	vm.Spec.Media[0].Path = `C:\ISO\changed.iso`
	vm.Spec.MemoryMiB = 1
	assert.Equal(t, winISO, p.VM.Spec.Media[0].Path)
	assert.Equal(t, 2048, p.VM.Spec.MemoryMiB)
}

func TestBuild_BestEffortFirmware(t *testing.T) {
	p, err := NewBuilder(WithBestEffortFirmware(true)).Build(win10Test())
	require.NoError(t, err)
	for _, s := range p.Steps {
		assert.Equal(t, s.Name == StepSetFirmware, s.Optional, s.Name)
	}
}

func TestBuild_MediaInspection(t *testing.T) {
	t.Run("unreadable media is invalid", func(t *testing.T) {
		insp := stubInspector{winISO: {Path: winISO, Label: "WIN10", HasEFI: true}}
		_, err := NewBuilder(WithMediaInspector(insp)).Build(win10Test())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidSpec))
		assert.Contains(t, err.Error(), "spec.media[1].path")
	})

	t.Run("installer without efi warns", func(t *testing.T) {
		insp := stubInspector{
			winISO:    {Path: winISO, Label: "WIN10"},
			answerISO: {Path: answerISO, Label: "ANSWER"},
		}
		p, err := NewBuilder(WithMediaInspector(insp)).Build(win10Test())
		require.NoError(t, err)
		require.Len(t, p.Warnings, 1)
		assert.Contains(t, p.Warnings[0], "win10.iso")
	})

	t.Run("generation 1 does not need efi", func(t *testing.T) {
		vm := win10Test()
		vm.Spec.Generation = 1
		insp := stubInspector{
			winISO:    {Path: winISO},
			answerISO: {Path: answerISO},
		}
		p, err := NewBuilder(WithMediaInspector(insp)).Build(vm)
		require.NoError(t, err)
		assert.Empty(t, p.Warnings)
	})

	var _ media.Inspector = stubInspector{}
}

func TestStep_ApplyAndRollback(t *testing.T) {
	ctx := context.Background()
	vm := win10Test()
	vm.Spec.SecureBoot = true
	p, err := NewBuilder().Build(vm)
	require.NoError(t, err)

	a := &mockAdapter{}
	for i := range p.Steps {
		_, err := p.Steps[i].Apply(ctx, a)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{
		"CreateDisk:" + winDisk,
		"CreateVM:Win10Test",
		"SetFirmware:Win10Test",
		"AttachMedia:" + winISO,
		"AttachMedia:" + answerISO,
		"StartVM:Win10Test",
	}, a.calls)

	a = &mockAdapter{}
	for i := len(p.Steps) - 1; i >= 0; i-- {
		_, err := p.Steps[i].Rollback(ctx, a)
		require.NoError(t, err)
		if p.Steps[i].Name == StepSetFirmware {
			assert.Equal(t, provider.FirmwareParams{VMName: "Win10Test", SecureBoot: false}, a.last,
				"firmware rollback applies the opposite setting")
		}
	}
	assert.Equal(t, []string{
		"StopVM:Win10Test",
		"DetachMedia:" + answerISO,
		"DetachMedia:" + winISO,
		"SetFirmware:Win10Test",
		"DeleteVM:Win10Test",
		"DeleteDisk:" + winDisk,
	}, a.calls)
}

func TestStep_BadParams(t *testing.T) {
	s := Step{Name: StepCreateDisk, Params: provider.VMParams{}}
	_, err := s.Apply(context.Background(), &mockAdapter{})
	assert.Error(t, err)

	s = Step{Name: "reboot"}
	_, err = s.Rollback(context.Background(), &mockAdapter{})
	assert.Error(t, err)
}
