// Command flowmeshd is flowmesh's reference host: a small CLI wrapping the
// Config Validator and Patch Evaluator so an operator can check a patch,
// see what it resolves to, append an emergency disable, and serve a scrape
// endpoint without writing any Go. It does not run the Execution Engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"

	"github.com/flowmesh/flowmesh"
	"github.com/flowmesh/flowmesh/obs"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	if err := rootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("flowmeshd: command failed")
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flowmeshd",
		Short: "Validate, evaluate, and serve flowmesh configuration patches",
	}
	root.AddCommand(validateCmd(), evalCmd(), disableCmd(), serveCmd())
	return root
}

// readPatch loads a patch document from path, parsing it as YAML and
// transcoding it to JSON whenever its first byte is not '{' — operators edit patches in
// whichever format they prefer; flowmesh's own core only ever sees JSON.
func readPatch(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(raw) > 0 && raw[0] != '{' {
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse %s as YAML: %w", path, err)
		}
		return json.Marshal(doc)
	}
	return raw, nil
}

func validateCmd() *cobra.Command {
	var patchPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run the Config Validator against a patch document",
		RunE: func(cmd *cobra.Command, args []string) error {
			patchJSON, err := readPatch(patchPath)
			if err != nil {
				return err
			}
			report := flowmesh.Validate(patchJSON, nil, nil)
			for _, f := range report.Findings {
				log.Info().Str("severity", string(f.Severity)).Str("code", f.Code).Str("path", f.Path).Msg(f.Message)
			}
			if report.HasErrors() {
				return fmt.Errorf("validation failed with %d finding(s)", len(report.Findings))
			}
			log.Info().Msg("patch is valid")
			return nil
		},
	}
	cmd.Flags().StringVarP(&patchPath, "patch", "p", "", "path to a patch document (JSON or YAML)")
	_ = cmd.MarkFlagRequired("patch")
	return cmd
}

func evalCmd() *cobra.Command {
	var patchPath, flowName, qosTier, userID string
	var configVersion uint64
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a patch document for one flow and print the resolved plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			patchJSON, err := readPatch(patchPath)
			if err != nil {
				return err
			}
			eval, err := flowmesh.Evaluate(flowName, patchJSON, flowmesh.RequestAttrs{UserID: userID}, qosTier, configVersion)
			if err != nil {
				return fmt.Errorf("evaluate: %w", err)
			}
			out, err := json.MarshalIndent(eval, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&patchPath, "patch", "p", "", "path to a patch document (JSON or YAML)")
	cmd.Flags().StringVarP(&flowName, "flow", "f", "", "flow name to evaluate")
	cmd.Flags().StringVar(&qosTier, "qos-tier", "default", "requesting QoS tier")
	cmd.Flags().StringVar(&userID, "user-id", "", "user id for deterministic shadow sampling")
	cmd.Flags().Uint64Var(&configVersion, "config-version", 1, "config version stamp for the resolved plan")
	_ = cmd.MarkFlagRequired("patch")
	_ = cmd.MarkFlagRequired("flow")
	return cmd
}

// disableCmd is an operator convenience that writes an emergency-disable
// overlay onto an existing patch document without hand-editing JSON — the
// one-command path from "this module is misbehaving" to a pushed overlay.
func disableCmd() *cobra.Command {
	var patchPath, flowName, stageName, moduleID, reason, operator string
	var ttlMinutes int
	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Append an emergency-disable overlay for one module to a patch document",
		RunE: func(cmd *cobra.Command, args []string) error {
			patchJSON, err := readPatch(patchPath)
			if err != nil {
				return err
			}
			base := "flows." + flowName + ".emergency"
			updated, err := sjson.SetBytes(patchJSON, base+".reason", reason)
			if err != nil {
				return fmt.Errorf("set emergency.reason: %w", err)
			}
			updated, err = sjson.SetBytes(updated, base+".operator", operator)
			if err != nil {
				return fmt.Errorf("set emergency.operator: %w", err)
			}
			updated, err = sjson.SetBytes(updated, base+".ttl_minutes", ttlMinutes)
			if err != nil {
				return fmt.Errorf("set emergency.ttl_minutes: %w", err)
			}
			modulePath := base + ".patch.stages." + stageName + ".modules.-1"
			updated, err = sjson.SetBytes(updated, modulePath+".id", moduleID)
			if err != nil {
				return fmt.Errorf("append module id: %w", err)
			}
			updated, err = sjson.SetBytes(updated, modulePath+".enabled", false)
			if err != nil {
				return fmt.Errorf("append module enabled: %w", err)
			}
			fmt.Println(string(updated))
			return nil
		},
	}
	cmd.Flags().StringVarP(&patchPath, "patch", "p", "", "path to a patch document (JSON or YAML)")
	cmd.Flags().StringVarP(&flowName, "flow", "f", "", "flow name")
	cmd.Flags().StringVar(&stageName, "stage", "", "stage name the module belongs to")
	cmd.Flags().StringVar(&moduleID, "module-id", "", "module id to disable")
	cmd.Flags().StringVar(&reason, "reason", "", "emergency reason, for the audit trail")
	cmd.Flags().StringVar(&operator, "operator", "", "operator performing the override")
	cmd.Flags().IntVar(&ttlMinutes, "ttl-minutes", 30, "how long the override is valid for")
	for _, name := range []string{"patch", "flow", "stage", "module-id", "reason", "operator"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a /metrics scrape endpoint for the flowmesh collectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			collectors := obs.NewCollectors()
			mux := http.NewServeMux()
			mux.Handle("/metrics", collectors.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})

			srv := &http.Server{Addr: addr, Handler: mux}
			log.Info().Str("addr", addr).Msg("flowmeshd: serving /metrics and /healthz")

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			select {
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			case <-ctx.Done():
				return srv.Shutdown(context.Background())
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "listen address for /metrics and /healthz")
	return cmd
}
