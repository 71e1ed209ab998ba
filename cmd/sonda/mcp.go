package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/metalagman/sonda/internal/db"
	"github.com/metalagman/sonda/internal/macro"
	"github.com/metalagman/sonda/internal/mcptool"
	"github.com/metalagman/sonda/internal/plan"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve sonda tools over the Model Context Protocol on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDB, root, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}

			runner, err := newRunner(root, cfg, storeDB)
			if err != nil {
				return err
			}
			vd, err := plan.NewValidator()
			if err != nil {
				return err
			}

			svc := mcptool.NewService(runner, db.NewStore(storeDB), macro.NewStore(storeDB), vd, log.Logger)
			return svc.Serve(cmd.Context())
		},
	}
}
