package main

import (
	"encoding/json"
	"io"
	"time"

	"github.com/KOMKZ/go-yogan-quota/application"
	"github.com/KOMKZ/go-yogan-quota/di"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

type cli struct {
	configFile string
	envPrefix  string
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "quotactl",
		Short:         "Inspect and operate distributed rate limit buckets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configFile, "config", "c", "configs/quota.yaml", "config file")
	root.PersistentFlags().StringVar(&c.envPrefix, "env-prefix", "QUOTA", "environment override prefix")

	root.AddCommand(
		c.checkCommand(),
		c.updateCommand(),
		c.inspectCommand(),
		c.keysCommand(),
		c.healthCommand(),
		c.watchCommand(),
	)
	return root
}

// run sets the application up, runs fn and always shuts down
func (c *cli) run(fn func(app *application.Application) error) error {
	app := application.New(di.Options{ConfigFile: c.configFile, EnvPrefix: c.envPrefix})
	if err := app.Setup(); err != nil {
		_ = app.Shutdown(shutdownTimeout)
		return err
	}

	err := fn(app)
	if shutdownErr := app.Shutdown(shutdownTimeout); err == nil {
		err = shutdownErr
	}
	return err
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
