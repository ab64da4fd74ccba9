package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"secureflow/internal/audit"
	"secureflow/internal/redact"
	"secureflow/internal/scan"
)

var (
	scanRedactOnly bool
	scanMaskLevel  int
	scanTypes      []string
	scanStyle      string
	scanItemsPath  string
	scanAudit      bool
)

var scanCmd = &cobra.Command{
	Use:   "scan [file|-]",
	Short: "Detect sensitive entities in a file or stdin",
	Long: `Scan runs every configured detector over the input and prints the
resolved entities, their summary and the redacted text as JSON.

With --redact only the redacted text is printed. --items writes the
placeholder mapping so "secureflow restore" can undo the redaction.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

var (
	restoreItemsPath string
)

var restoreCmd = &cobra.Command{
	Use:   "restore [file|-]",
	Short: "Replace placeholders with the original values",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRestore,
}

func init() {
	scanCmd.Flags().BoolVar(&scanRedactOnly, "redact", false, "print only the redacted text")
	scanCmd.Flags().IntVar(&scanMaskLevel, "mask-level", 0, "mask level 10..100 (default: redaction.mask_level)")
	scanCmd.Flags().StringSliceVar(&scanTypes, "types", nil, "only report these entity types")
	scanCmd.Flags().StringVar(&scanStyle, "style", "", "placeholder style: type, numbered or mask")
	scanCmd.Flags().StringVar(&scanItemsPath, "items", "", "write the placeholder mapping to this file")
	scanCmd.Flags().BoolVar(&scanAudit, "audit", false, "record the scan in the audit log")

	restoreCmd.Flags().StringVar(&restoreItemsPath, "items", "", "placeholder mapping written by scan --items")
	_ = restoreCmd.MarkFlagRequired("items")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyLogConfig(cmd, cfg)
	if scanStyle != "" {
		cfg.Redaction.Style = scanStyle
	}

	name, text, err := readInput(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	reg, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	var (
		store  audit.Store
		sealer *audit.Sealer
	)
	if scanAudit {
		if store, sealer, err = openAudit(cfg); err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
		}
	}
	svc, err := newScanner(cfg, reg, store, sealer)
	if err != nil {
		return err
	}

	req := scan.Request{
		Subject:   "cli",
		Text:      text,
		MaskLevel: scanMaskLevel,
		Types:     scanTypes,
	}
	if name != "" {
		req.Event = audit.FileScan
		req.FileName = filepath.Base(name)
	}
	resp, err := svc.Scan(ctx, req)
	if err != nil {
		return err
	}

	if scanItemsPath != "" {
		if err := writeItems(scanItemsPath, resp.Items); err != nil {
			return err
		}
	}
	return printScan(cmd.OutOrStdout(), resp, scanRedactOnly)
}

func printScan(w io.Writer, resp scan.Response, redactOnly bool) error {
	if redactOnly {
		_, err := fmt.Fprintln(w, resp.Sanitized)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// readInput reads the named file, or stdin for "-" or no argument. name is
// empty for stdin.
func readInput(stdin io.Reader, args []string) (name, text string, err error) {
	var data []byte
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		name = args[0]
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return "", "", fmt.Errorf("reading input: %w", err)
	}
	if !utf8.Valid(data) {
		return "", "", fmt.Errorf("input is not valid UTF-8 text")
	}
	return name, string(data), nil
}

func writeItems(path string, items []redact.Item) error {
	if items == nil {
		items = []redact.Item{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	// Items hold the original values.
	return os.WriteFile(path, data, 0o600)
}

func runRestore(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(restoreItemsPath)
	if err != nil {
		return fmt.Errorf("reading items: %w", err)
	}
	var items []redact.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("parsing items: %w", err)
	}

	src := cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}
	_, err = io.Copy(cmd.OutOrStdout(), redact.NewStreamingRestorer(src, items))
	return err
}
