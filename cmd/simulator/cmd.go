package main

import (
	"errors"
	"io"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalsfoundry/swarm-simulator/behavior"
)

const envPrefix = "swarmsim"

// version is overridden at link time.
var version = "dev"

type command struct {
	root     *cobra.Command
	config   *viper.Viper
	cfgFile  string
	fs       afero.Fs
	registry *behavior.Registry
}

type option func(*command)

func newCommand(opts ...option) (c *command, err error) {
	c = &command{
		root: &cobra.Command{
			Use:           "simulator",
			Short:         "Discrete-event simulator for bandwidth-limited peer swarms",
			SilenceErrors: true,
			SilenceUsage:  true,
			PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
				return c.initConfig()
			},
		},
		fs:       afero.NewOsFs(),
		registry: behavior.Default(),
	}

	for _, o := range opts {
		o(c)
	}

	c.initGlobalFlags()

	if err := c.initRunCmd(); err != nil {
		return nil, err
	}
	c.initBehaviorsCmd()
	c.initVersionCmd()
	return c, nil
}

// Execute runs the root command.
func (c *command) Execute() error {
	return c.root.Execute()
}

// withArgs sets the command line arguments, for tests.
func withArgs(args ...string) option {
	return func(c *command) {
		c.root.SetArgs(args)
	}
}

// withOutput redirects both stdout and stderr of the command.
func withOutput(w io.Writer) option {
	return func(c *command) {
		c.root.SetOut(w)
		c.root.SetErr(w)
	}
}

// withErrOutput redirects only stderr, where logs go.
func withErrOutput(w io.Writer) option {
	return func(c *command) {
		c.root.SetErr(w)
	}
}

// withFs replaces the filesystem used for scenario files, output files and
// an on-disk storage pool.
func withFs(fs afero.Fs) option {
	return func(c *command) {
		c.fs = fs
	}
}

func (c *command) initGlobalFlags() {
	globalFlags := c.root.PersistentFlags()
	globalFlags.StringVar(&c.cfgFile, "config", "", "config file (yaml, json or toml)")
}

func (c *command) initConfig() error {
	config := viper.New()
	config.SetFs(c.fs)
	if c.cfgFile != "" {
		config.SetConfigFile(c.cfgFile)
	} else {
		config.AddConfigPath(".")
		config.SetConfigName(".swarmsim")
	}

	// Environment
	config.SetEnvPrefix(envPrefix)
	config.AutomaticEnv()
	config.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := config.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || c.cfgFile != "" {
			return err
		}
	}
	c.config = config
	return nil
}

func (c *command) initBehaviorsCmd() {
	c.root.AddCommand(&cobra.Command{
		Use:   "behaviors",
		Short: "List the peer behaviors a scenario can name",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range c.registry.Names() {
				cmd.Println(name)
			}
		},
	})
}

func (c *command) initVersionCmd() {
	c.root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	})
}
