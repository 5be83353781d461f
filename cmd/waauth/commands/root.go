package commands

import (
	"github.com/spf13/cobra"
	"github.com/talkincode/waauth/config"
	"github.com/talkincode/waauth/internal/app"
)

var (
	cfgFile string
	appCfg  *config.AppConfig
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "waauth",
		Short:        "WhatsApp session auth state service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			appCfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/etc/waauth.yml", "config file")

	root.AddCommand(serveCmd(), migrateCmd(), sessionCmd())
	return root
}

// startApp builds and initializes the application from the loaded config.
// Callers must Release it.
func startApp() (*app.Application, error) {
	a := app.NewApplication(appCfg)
	if err := a.Init(appCfg); err != nil {
		a.Release()
		return nil, err
	}
	return a, nil
}
