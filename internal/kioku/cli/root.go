// Package cli implements the kioku CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kioku/common/trace"
	"github.com/bdobrica/Kioku/common/version"
	"github.com/bdobrica/Kioku/internal/kioku/app"
	"github.com/bdobrica/Kioku/internal/kioku/auth"
	"github.com/bdobrica/Kioku/internal/kioku/config"
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

type rootOptions struct {
	configPath string
	format     string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "kioku",
		Short:         "Thread and memory orchestration for LLM conversations",
		Long:          "Kioku keeps per-user conversation threads, compacts old turns into a summary and streams model replies.",
		Version:       version.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: $KIOKU_CONFIG)")
	root.PersistentFlags().StringVarP(&opts.format, "format", "f", "text", "Output format: json or text")

	root.AddCommand(
		newServeCmd(opts),
		newChatCmd(opts),
		newThreadCmd(opts),
		newMemoryCmd(opts),
		newKeysCmd(opts),
		newBlobCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv("KIOKU_CONFIG")
	}
	return config.Load(path)
}

// openApp loads the config and wires an App with logs on stderr. authz, when
// non-nil, replaces the API-key authorizer.
func (o *rootOptions) openApp(cmd *cobra.Command, authz auth.Authorizer) (*app.App, error) {
	return o.open(cmd, app.Options{Authorizer: authz})
}

// openAdmin wires an App for commands that never call the model, so they work
// without provider credentials.
func (o *rootOptions) openAdmin(cmd *cobra.Command) (*app.App, error) {
	return o.open(cmd, app.Options{Provider: llm.Echo{}})
}

func (o *rootOptions) open(cmd *cobra.Command, appOpts app.Options) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := observability.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	appOpts.Logger = logger
	return app.New(cfg, appOpts)
}

func (o *rootOptions) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.format == "json" || text == nil {
		return printJSON(w, v)
	}
	text(w)
	return nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// addIdentityFlags registers --token and --user. --user acts as that user
// directly, which is only possible with access to the database.
func addIdentityFlags(cmd *cobra.Command) {
	cmd.Flags().String("token", "", "API key (default: $KIOKU_TOKEN)")
	cmd.Flags().String("user", "", "Act as this user without an API key")
}

// identity resolves the identity flags to an optional authorizer override and
// the token to present.
func identity(cmd *cobra.Command) (auth.Authorizer, string, error) {
	user, _ := cmd.Flags().GetString("user")
	if user != "" {
		tok := "local-" + trace.GenerateID()
		return auth.Static{tok: user}, tok, nil
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("KIOKU_TOKEN")
	}
	if token == "" {
		return nil, "", fmt.Errorf("an API key is required: pass --token, set KIOKU_TOKEN or use --user")
	}
	return nil, token, nil
}
