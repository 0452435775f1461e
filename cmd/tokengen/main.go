// Command tokengen mints an HS256 bearer token for operators, signed with
// the server's JWT_HS_SECRET.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"formpulse/internal/config"
	"formpulse/internal/httpx/auth"
	"formpulse/internal/ingest"
)

type loadFunc func() (*config.Config, func(), error)

func loadConfig() (*config.Config, func(), error) {
	cfg, _, closer, err := config.Load()
	return cfg, closer, err
}

func newRootCmd(load loadFunc) *cobra.Command {
	var (
		sub   string
		roles string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:           "tokengen",
		Short:         "Mint an operator bearer token",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closer, err := load()
			if closer != nil {
				defer closer()
			}
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.JWT.AccessTTLMin) * time.Minute
			}
			rs := lo.Compact(lo.Map(strings.Split(roles, ","), func(r string, _ int) string { return strings.TrimSpace(r) }))
			if len(rs) == 0 {
				return fmt.Errorf("at least one role is required")
			}
			tok, err := auth.SignHS256(cfg, sub, rs, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&sub, "sub", "user:ops", "token subject")
	f.StringVar(&roles, "roles", ingest.RoleAdmin, "comma separated roles")
	f.DurationVar(&ttl, "ttl", 0, "lifetime; defaults to JWT_ACCESS_TTL_MIN")
	return cmd
}

func main() {
	if err := newRootCmd(loadConfig).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
