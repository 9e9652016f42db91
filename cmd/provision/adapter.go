package main

import (
	"context"
	"fmt"

	"github.com/jbweber/provision/internal/config"
	"github.com/jbweber/provision/internal/provider"
	"github.com/jbweber/provision/internal/provider/hyperv"
	"github.com/jbweber/provision/internal/provider/libvirt"
	"github.com/jbweber/provision/internal/provider/virtualbox"
	"github.com/jbweber/provision/internal/runner"
)

// newAdapter creates the adapter for a provider. The returned close
// function releases the backend connection, if any.
func newAdapter(ctx context.Context, name string, cfg *config.Config) (provider.Adapter, func() error, error) {
	noop := func() error { return nil }

	switch name {
	case hyperv.ProviderName:
		a := hyperv.New(hyperv.Config{
			PowerShell:         cfg.HyperV.PowerShell,
			SwitchName:         cfg.HyperV.SwitchName,
			SecureBootTemplate: cfg.HyperV.SecureBootTemplate,
		}, runner.NewExec())
		return a, noop, nil

	case virtualbox.ProviderName:
		a := virtualbox.New(virtualbox.Config{
			VBoxManage: cfg.VirtualBox.VBoxManage,
			OSType:     cfg.VirtualBox.OSType,
			Controller: cfg.VirtualBox.Controller,
		}, runner.NewExec())
		return a, noop, nil

	case libvirt.ProviderName:
		client, err := libvirt.ConnectWithContext(ctx, cfg.Libvirt.Socket, cfg.Libvirt.ConnectTimeout)
		if err != nil {
			return nil, nil, provider.NewError(provider.KindBackendUnavailable, "connect", cfg.Libvirt.Socket, err)
		}
		a := libvirt.NewFromClient(libvirt.Config{
			Pool:    cfg.Libvirt.Pool,
			Network: cfg.Libvirt.Network,
		}, client)
		return a, client.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown provider %q", name)
	}
}
