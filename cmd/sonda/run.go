package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/metalagman/sonda/internal/config"
	"github.com/metalagman/sonda/internal/db"
	"github.com/metalagman/sonda/internal/macro"
	"github.com/metalagman/sonda/internal/oracle"
	"github.com/metalagman/sonda/internal/run"
)

func runCmd() *cobra.Command {
	var startURL string
	cmd := &cobra.Command{
		Use:          "run <goal>",
		Short:        "Run one natural-language web task",
		Long:         "Run one web task: observe the page, ask the oracle for a plan, execute it, verify the outcome and patch or escalate as needed.",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
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

			res, err := runner.Run(cmd.Context(), run.Task{Goal: args[0], StartURL: startURL})
			if err != nil {
				return err
			}
			printResult(res)
			if res.Status != db.StatusSuccess {
				return fmt.Errorf("run %s finished with status %s", res.RunID, res.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&startURL, "url", "", "page to start from")
	return cmd
}

func newRunner(root string, cfg config.Config, storeDB *sql.DB) (*run.Runner, error) {
	client, err := oracle.New(oracle.Config{
		Model:     cfg.Oracle.Model,
		BaseURL:   cfg.Oracle.BaseURL,
		APIKeyEnv: cfg.Oracle.APIKeyEnv,
		Timeout:   time.Duration(cfg.Oracle.TimeoutSec) * time.Second,
		MaxTries:  cfg.Oracle.MaxTries,
		MaxTokens: int64(cfg.Oracle.MaxTokens),
	}, nil, log.Logger)
	if err != nil {
		return nil, err
	}
	return run.NewRunner(run.Options{
		Root:   root,
		Config: cfg,
		Store:  db.NewStore(storeDB),
		Macros: macro.NewStore(storeDB),
		Oracle: client,
	})
}

func printResult(res run.Result) {
	out := map[string]any{
		"runId":  res.RunID,
		"status": res.Status,
		"runDir": res.RunDir,
	}
	if res.Verdict != nil {
		out["verdict"] = res.Verdict
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("marshal result")
		return
	}
	fmt.Println(string(data))
}
