package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newExecutorsCmd creates the `executors` command.
func newExecutorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "executors",
		Short: "Lists the configured executors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-16s  %-5s  %-9s  %s\n", "NAME", "MODE", "SELECTION", "URL / RECORDING")
			for _, name := range cfg.ExecutorNames() {
				e, err := cfg.Executor(name)
				if err != nil {
					return err
				}
				mode := e.Mode
				if mode == "" {
					mode = "auto"
				}
				selection := e.Selection
				if selection == "" {
					selection = cfg.Replay().Selection
				}
				fmt.Fprintf(w, "%-16s  %-5s  %-9s  %s\n", name, mode, selection, e.URL)
				fmt.Fprintf(w, "%-16s  %-5s  %-9s  %s\n", "", "", "", e.Recording)
			}
			return nil
		},
	}
}

// newConfigCmd creates the `config` command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspects the effective configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Prints the configuration after file, environment and flags are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			shown := *cfg
			shown.DatabaseCfg.URL = redactURL(shown.DatabaseCfg.URL)
			out, err := yaml.Marshal(&shown)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return configCmd
}

// redactURL masks the password of a connection URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); !ok {
		return raw
	}
	u.User = url.UserPassword(u.User.Username(), "xxxxx")
	return u.String()
}
