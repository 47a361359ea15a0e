package commands

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/attendant"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/store"
)

// newAttendantCmd creates the `zapdesk attendant` command group.
func newAttendantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attendant",
		Short: "Manage attendant accounts",
	}
	cmd.AddCommand(newAttendantAddCmd(), newAttendantListCmd())
	return cmd
}

func newAttendantAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new attendant account",
		Long: `Register a new attendant. The password is prompted interactively
and stored as a bcrypt hash.

Examples:
  zapdesk attendant add --name "Maria Silva" --username maria --department Fiscal`,
		RunE: runAttendantAdd,
	}
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().String("username", "", "login username")
	cmd.Flags().String("department", "", "department (optional)")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func runAttendantAdd(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("name")
	username, _ := cmd.Flags().GetString("username")
	department, _ := cmd.Flags().GetString("department")
	if name == "" {
		name = username
	}

	password, err := promptPassword("Senha: ")
	if err != nil {
		return err
	}
	confirm, err := promptPassword("Confirme a senha: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return fmt.Errorf("as senhas não coincidem")
	}
	if len(password) < 8 {
		return fmt.Errorf("a senha deve ter pelo menos 8 caracteres")
	}

	mgr, closeStore, err := openAccounts(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	acct, err := mgr.Register(name, username, password, department)
	if err != nil {
		return fmt.Errorf("registering attendant: %w", err)
	}
	fmt.Printf("Atendente criado: %s (%s)\n", acct.Name, acct.ID)
	return nil
}

func newAttendantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered attendants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, closeStore, err := openAccounts(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			accounts := mgr.List()
			if len(accounts) == 0 {
				fmt.Println("Nenhum atendente cadastrado.")
				return nil
			}
			for _, a := range accounts {
				dept := a.Department
				if dept == "" {
					dept = "-"
				}
				fmt.Printf("%-20s %-15s %-15s %s\n", a.Name, a.Username, dept, a.ID)
			}
			return nil
		},
	}
}

// openAccounts opens the store and loads the account manager.
func openAccounts(cmd *cobra.Command) (*attendant.Manager, func(), error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cmd, cfg)

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	mgr := attendant.NewManager(st, logger)
	if err := mgr.Load(context.Background()); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("loading attendants: %w", err)
	}
	return mgr, func() { _ = st.Close() }, nil
}

// promptPassword reads a password without echoing it.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	data, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(data), nil
}
