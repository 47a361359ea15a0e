package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/config"
)

// newConfigCmd creates the `zapdesk config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigShowCmd(), newConfigSetKeyCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("output")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s já existe, remova-o primeiro", path)
			}
			if err := config.SaveToFile(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Printf("Configuração criada em %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "config.yaml", "output path")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			// Never print resolved secrets.
			display := *cfg
			if display.LLM.APIKey != "" {
				display.LLM.APIKey = "********"
			}
			if display.API.AuthToken != "" {
				display.API.AuthToken = "********"
			}
			data, err := yaml.Marshal(&display)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the LLM API key in the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !config.KeyringAvailable() {
				return fmt.Errorf("keyring do sistema indisponível, use a variável ZAPDESK_API_KEY")
			}
			key, err := promptPassword("API key: ")
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("chave vazia")
			}
			if err := config.StoreAPIKey(key); err != nil {
				return fmt.Errorf("storing key: %w", err)
			}
			fmt.Println("Chave armazenada no keyring do sistema.")
			return nil
		},
	}
}
