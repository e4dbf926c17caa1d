package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dreamware/bulkload/internal/errors"
)

// EnvPrefix is prepended to every environment variable read by
// SetAllConfig.
const EnvPrefix = "BULKLOAD"

// SetAllConfig takes a FlagSet to be the definition of all configuration
// options, as well as their defaults. It then reads from the command line,
// the environment, and a config file (if the "config" flag names one), and
// applies the configuration in that priority order. Each flag holds a
// pointer to where its value is stored, so the config struct the flags
// were built from is updated in place.
//
// Environment variables are the capitalized flag names with dashes and
// dots replaced by underscores, prefixed with EnvPrefix and an underscore:
// "bulkload.max-rollback-times" is BULKLOAD_BULKLOAD_MAX_ROLLBACK_TIMES.
func SetAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return errors.Wrap(err, "binding flags")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	validTags := make(map[string]bool)
	flags.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})

	if c := v.GetString("config"); c != "" {
		v.SetConfigFile(c)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "reading configuration file '%s'", c)
		}
		for _, key := range v.AllKeys() {
			if !validTags[key] {
				return errors.Newf(errors.ErrInvalidParameters, "invalid option in configuration file: %v", key)
			}
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			// A flag given on the command line wins over everything.
			return
		}
		var value string
		if f.Value.Type() == "stringSlice" {
			// GetString is empty for a real list read from a config file.
			value = strings.Join(v.GetStringSlice(f.Name), ",")
		} else {
			value = v.GetString(f.Name)
		}
		if err := f.Value.Set(value); err != nil {
			flagErr = errors.Wrapf(err, "setting %s", f.Name)
		}
	})
	return flagErr
}

// NewGenerateConfigCommand returns a command printing conf, which should
// hold the defaults, as TOML.
func NewGenerateConfigCommand(stdout io.Writer, conf func() interface{}) *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config",
		Short: "Print the default configuration.",
		Long: `generate-config prints the default configuration to stdout
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ret, err := toml.Marshal(conf())
			if err != nil {
				return errors.Wrap(err, "marshalling default config")
			}
			fmt.Fprintf(stdout, "%s\n", ret)
			return nil
		},
	}
}

