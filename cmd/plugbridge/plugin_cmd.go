package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"plugbridge/internal/adapter/store"
	"plugbridge/internal/domain"
	"plugbridge/internal/infra/config"
	"plugbridge/internal/infra/logger"
	"plugbridge/internal/plugin"
)

const cliTimeout = 5 * time.Minute

func runPlugin(args []string) error {
	if len(args) == 0 {
		printPluginUsage(os.Stdout)
		return nil
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cli, closer, err := newPluginCLI(cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer closer()

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	return cli.dispatch(ctx, args)
}

func printPluginUsage(w io.Writer) {
	fmt.Fprintln(w, `plugbridge plugin - Plugin management tools

USAGE:
    plugbridge plugin <COMMAND>

COMMANDS:
    list                       List registered plugins
    install <name> [version]   Install a plugin from the registry
    uninstall <id>             Remove a plugin and its registry download
    enable <id>                Boot the plugin on the next start
    disable <id>               Skip the plugin on the next start
    updates                    Check the registry for newer versions
    search <query>             Search the plugin registry`)
}

// pluginCLI runs plugin subcommands without a runtime attached.
type pluginCLI struct {
	store     domain.PluginStore
	installer *plugin.Installer
	updates   *plugin.UpdateChecker
	out       io.Writer
}

func newPluginCLI(cfg *config.Config, out io.Writer) (*pluginCLI, func(), error) {
	st, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("store: %w", err)
	}
	log := logger.Discard()
	reg := plugin.NewRegistry(cfg.Plugins.RegistryURL, cfg.Plugins.RegistryToken, cfg.Plugins.RegistryTimeout, log)
	inst := plugin.NewInstaller(plugin.InstallerConfig{
		PluginDir: cfg.Plugins.Dir,
		Registry:  reg,
		Store:     st,
		Logger:    log,
	})
	return &pluginCLI{
		store:     st,
		installer: inst,
		updates:   plugin.NewUpdateChecker(inst, st, cfg.Plugins.UpdateCheckInterval, nil, log),
		out:       out,
	}, func() { st.Close() }, nil
}

func (c *pluginCLI) dispatch(ctx context.Context, args []string) error {
	switch args[0] {
	case "list":
		return c.list(ctx)
	case "install":
		if len(args) < 2 {
			return fmt.Errorf("usage: plugbridge plugin install <name> [version]")
		}
		version := ""
		if len(args) > 2 {
			version = args[2]
		}
		return c.install(ctx, args[1], version)
	case "uninstall", "remove":
		if len(args) < 2 {
			return fmt.Errorf("usage: plugbridge plugin uninstall <id>")
		}
		return c.uninstall(ctx, args[1])
	case "enable", "disable":
		if len(args) < 2 {
			return fmt.Errorf("usage: plugbridge plugin %s <id>", args[0])
		}
		return c.setEnabled(ctx, args[1], args[0] == "enable")
	case "updates":
		return c.checkUpdates(ctx)
	case "search":
		if len(args) < 2 {
			return fmt.Errorf("usage: plugbridge plugin search <query>")
		}
		return c.search(ctx, strings.Join(args[1:], " "))
	default:
		return fmt.Errorf("unknown plugin subcommand: %s\n\nRun 'plugbridge plugin' for usage", args[0])
	}
}

func (c *pluginCLI) list(ctx context.Context) error {
	plugins, err := c.store.ListPlugins(ctx)
	if err != nil {
		return err
	}
	if len(plugins) == 0 {
		fmt.Fprintln(c.out, "No plugins registered.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVERSION\tENABLED\tSOURCE\tDIRECTORY")
	for _, p := range plugins {
		name, version := "?", "?"
		if m, err := plugin.ReadManifest(p.Directory); err == nil {
			name, version = m.Name, m.Version
		}
		source := "local"
		if p.FromRegistry() {
			source = "registry"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n", p.ID, name, version, p.Enabled, source, p.Directory)
	}
	return w.Flush()
}

func (c *pluginCLI) install(ctx context.Context, name, version string) error {
	fmt.Fprintf(c.out, "Installing %s...\n", name)
	pv, err := c.installer.Install(ctx, name, version)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Installed %s v%s\n", pv.Name, pv.Version)
	return nil
}

func (c *pluginCLI) uninstall(ctx context.Context, id string) error {
	p, err := c.installer.Uninstall(ctx, id)
	if err != nil {
		return err
	}
	if p.FromRegistry() {
		if err := c.installer.RemoveDirectory(p.Directory); err != nil {
			fmt.Fprintf(c.out, "warning: could not remove %s: %v\n", p.Directory, err)
		}
	}
	fmt.Fprintf(c.out, "Uninstalled %s\n", p.Directory)
	return nil
}

func (c *pluginCLI) setEnabled(ctx context.Context, id string, enabled bool) error {
	p, err := c.store.GetPlugin(ctx, id)
	if err != nil {
		return err
	}
	p.Enabled = enabled
	if err := c.store.UpsertPlugin(ctx, p); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Fprintf(c.out, "Plugin %s %s\n", id, state)
	return nil
}

func (c *pluginCLI) checkUpdates(ctx context.Context) error {
	res, err := c.updates.CheckNow(ctx)
	if err != nil {
		return err
	}
	if len(res.Plugins) == 0 {
		fmt.Fprintln(c.out, "All plugins are up to date.")
		return nil
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tAVAILABLE")
	for _, p := range res.Plugins {
		fmt.Fprintf(w, "%s\t%s\n", p.Name, p.Version)
	}
	return w.Flush()
}

func (c *pluginCLI) search(ctx context.Context, query string) error {
	results, err := c.installer.Search(ctx, query)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintf(c.out, "No plugins found matching %q.\n", query)
		return nil
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tDESCRIPTION")
	for _, pv := range results {
		desc := pv.Description
		if len(desc) > 60 {
			desc = desc[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", pv.Name, pv.Version, desc)
	}
	return w.Flush()
}
