package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iceweasel13/monplace/internal/auth"
)

// SessionOptions holds flags for the session command.
type SessionOptions struct {
	*RootOptions
	Key string
	TTL time.Duration
}

func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Print a bearer token for POST /api/paint",
		Long: `Sign a session token with a private key, for use with curl:

  curl -H "Authorization: Bearer $(monplace session --key $KEY)" \
       -d '{"x":5,"y":5,"color":"#6950F0"}' http://localhost:8081/api/paint`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := opts.Key
			if raw == "" {
				raw = opts.Config.Agent.PrivateKey
			}
			if raw == "" {
				return fmt.Errorf("no key: pass --key or set agent.private_key")
			}
			key, err := parseKey(raw)
			if err != nil {
				return err
			}
			token, err := auth.SignSession(key, time.Now().Add(opts.TTL))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Key, "key", "", "hex private key (defaults to agent.private_key)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
