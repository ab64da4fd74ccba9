package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"secureflow/internal/detect"
	"secureflow/internal/models"
)

var (
	modelDownloadAll bool
	modelRemoveYes   bool
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Manage NER models",
}

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available models",
		Args:  cobra.NoArgs,
		RunE: withModels(func(cmd *cobra.Command, reg models.Registry, root string, _ []string) error {
			return modelList(cmd.OutOrStdout(), reg, root)
		}),
	}
	infoCmd := &cobra.Command{
		Use:   "info <name>",
		Short: "Show model details",
		Args:  cobra.ExactArgs(1),
		RunE: withModels(func(cmd *cobra.Command, reg models.Registry, root string, args []string) error {
			return modelInfo(cmd.OutOrStdout(), reg, root, args[0])
		}),
	}
	downloadCmd := &cobra.Command{
		Use:   "download [name]",
		Short: "Download and install a model",
		Args:  cobra.MaximumNArgs(1),
		RunE: withModels(func(cmd *cobra.Command, reg models.Registry, root string, args []string) error {
			return modelDownload(cmd, reg, root, args)
		}),
	}
	downloadCmd.Flags().BoolVar(&modelDownloadAll, "all", false, "download all recommended models")
	removeCmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Delete an installed model",
		Args:  cobra.ExactArgs(1),
		RunE: withModels(func(cmd *cobra.Command, reg models.Registry, root string, args []string) error {
			return modelRemove(cmd.OutOrStdout(), cmd.InOrStdin(), reg, root, args[0], modelRemoveYes)
		}),
	}
	removeCmd.Flags().BoolVarP(&modelRemoveYes, "yes", "y", false, "do not ask for confirmation")
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify installed models",
		Args:  cobra.NoArgs,
		RunE: withModels(func(cmd *cobra.Command, reg models.Registry, root string, _ []string) error {
			return modelVerify(cmd.OutOrStdout(), reg, root)
		}),
	}
	modelCmd.AddCommand(listCmd, infoCmd, downloadCmd, removeCmd, verifyCmd)
}

type modelRunFunc func(cmd *cobra.Command, reg models.Registry, root string, args []string) error

// withModels loads the embedded registry and the configured models root.
func withModels(fn modelRunFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		reg, err := models.LoadEmbeddedRegistry()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return fn(cmd, reg, cfg.Model.Root, args)
	}
}

func modelList(w io.Writer, registry models.Registry, root string) error {
	fmt.Fprintln(w, "Available Models")
	fmt.Fprintln(w, strings.Repeat("-", 96))
	fmt.Fprintf(w, "%-28s %-6s %-8s %-14s %-30s\n", "NAME", "LANG", "SIZE", "STATUS", "TYPES")
	fmt.Fprintln(w, strings.Repeat("-", 96))
	installed := 0
	var totalSize int64
	for _, m := range registry.Models {
		status := "not installed"
		if models.IsInstalled(root, m) {
			status = "installed"
			installed++
			totalSize += m.SizeBytes
		}
		fmt.Fprintf(w, "%-28s %-6s %-8s %-14s %-30s\n", m.Name, m.Language, humanBytes(m.SizeBytes), status, strings.Join(m.EntityTypes, ", "))
	}
	fmt.Fprintln(w, strings.Repeat("-", 96))
	fmt.Fprintf(w, "Installed: %d/%d models\n", installed, len(registry.Models))
	fmt.Fprintf(w, "Total size: %s\n", humanBytes(totalSize))
	fmt.Fprintln(w, "\nTip: Use 'secureflow model download <name>' to install a model")
	return nil
}

func modelInfo(w io.Writer, registry models.Registry, root, name string) error {
	m, ok := registry.Find(name)
	if !ok {
		return fmt.Errorf("model %q not found", name)
	}
	status := "Not installed"
	if models.IsInstalled(root, m) {
		status = "Installed"
	}
	fmt.Fprintf(w, "NER Model: %s\n", m.Name)
	fmt.Fprintln(w, strings.Repeat("-", 40))
	fmt.Fprintf(w, "Status:         %s\n", status)
	fmt.Fprintf(w, "Version:        %s\n", m.Version)
	fmt.Fprintf(w, "Language:       %s\n", m.Language)
	fmt.Fprintf(w, "Size:           %s\n", humanBytes(m.SizeBytes))
	fmt.Fprintf(w, "Location:       %s\n", models.ModelInstallPath(root, m.Name))
	fmt.Fprintf(w, "Description:    %s\n", m.Description)
	fmt.Fprintf(w, "Entity Types:   %s\n", strings.Join(m.EntityTypes, ", "))
	fmt.Fprintf(w, "Accuracy:       F1 %.2f (%s)\n", m.Accuracy.F1Score, m.Accuracy.Benchmark)
	fmt.Fprintf(w, "Architecture:   %s\n", m.Architecture)
	fmt.Fprintf(w, "License:        %s\n", m.License)
	fmt.Fprintf(w, "URL:            %s\n", m.URL)
	fmt.Fprintf(w, "Checksum:       %s\n", m.Checksum)
	return nil
}

func modelDownload(cmd *cobra.Command, registry models.Registry, root string, args []string) error {
	w := cmd.OutOrStdout()
	var selected []models.ModelSpec
	if modelDownloadAll {
		selected = registry.Recommended()
	} else {
		if len(args) != 1 {
			return fmt.Errorf("usage: secureflow model download <name> or secureflow model download --all")
		}
		m, ok := registry.Find(args[0])
		if !ok {
			return fmt.Errorf("model %q not found", args[0])
		}
		selected = append(selected, m)
	}

	dl := models.NewDownloader()
	for _, m := range selected {
		fmt.Fprintf(w, "\nDownloading %s v%s\n", m.Name, m.Version)
		fmt.Fprintf(w, "Source: %s\n\n", m.URL)
		var lastUpdate time.Time
		err := dl.DownloadAndInstall(cmd.Context(), m, root, func(p models.Progress) {
			if time.Since(lastUpdate) < 120*time.Millisecond && p.Total > 0 {
				return
			}
			lastUpdate = time.Now()
			pct := float64(0)
			if p.Total > 0 {
				pct = float64(p.Downloaded) * 100 / float64(p.Total)
			}
			fmt.Fprintf(w, "\rDownloading... %6.2f%% | %s / %s | %.2f MB/s | ETA %s", pct, humanBytes(p.Downloaded), humanBytes(p.Total), p.SpeedMBps, p.ETA.Truncate(time.Second))
		})
		fmt.Fprintln(w)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "Verifying checksum... ✓")
		fmt.Fprintln(w, "Extracting... ✓")
		dir := models.ModelInstallPath(root, m.Name)
		if err := models.ValidateMetadata(dir); err != nil {
			return fmt.Errorf("validate model: %w", err)
		}
		if err := checkModelLoads(dir); err != nil {
			// The files are fine; the inference backend is what is missing.
			fmt.Fprintf(w, "Validating model... ! (%v)\n", err)
		} else {
			fmt.Fprintln(w, "Validating model... ✓")
		}
		fmt.Fprintf(w, "\n✓ Model %s installed successfully\n", m.Name)
	}
	return nil
}

func checkModelLoads(modelDir string) error {
	d, err := detect.LoadONNXNERDetector(detect.ONNXNERConfig{ModelDir: modelDir})
	if err != nil {
		return err
	}
	return d.Close()
}

func modelRemove(w io.Writer, in io.Reader, registry models.Registry, root, name string, yes bool) error {
	m, ok := registry.Find(name)
	if !ok {
		return fmt.Errorf("model %q not found", name)
	}
	loc := models.ModelInstallPath(root, m.Name)
	if !yes {
		fmt.Fprintf(w, "Remove model '%s' (%s)?\n", m.Name, humanBytes(m.SizeBytes))
		fmt.Fprintf(w, "This will delete %s\n\n", loc)
		fmt.Fprint(w, "Continue? (y/N): ")
		resp, _ := bufio.NewReader(in).ReadString('\n')
		resp = strings.TrimSpace(strings.ToLower(resp))
		if resp != "y" && resp != "yes" {
			fmt.Fprintln(w, "Cancelled")
			return nil
		}
	}
	removed, err := models.Remove(root, m)
	if err != nil {
		return err
	}
	if !removed {
		fmt.Fprintf(w, "Model %s is not installed\n", name)
		return nil
	}
	fmt.Fprintln(w, "Removing model... ✓")
	fmt.Fprintf(w, "Model %s removed successfully\n", m.Name)
	return nil
}

func modelVerify(w io.Writer, registry models.Registry, root string) error {
	fmt.Fprintln(w, "Verifying installed models...")
	installed := 0
	failures := 0
	for _, m := range registry.Models {
		if !models.IsInstalled(root, m) {
			continue
		}
		installed++
		fmt.Fprintf(w, "\n%s\n", m.Name)
		rep := models.Verify(root, m)
		switch rep.Checksum {
		case models.ChecksumOK:
			fmt.Fprintln(w, "  ├─ Checksum... ✓")
		case models.ChecksumMismatch:
			fmt.Fprintln(w, "  ├─ Checksum... ✗ (registry mismatch)")
			failures++
		default:
			fmt.Fprintln(w, "  ├─ Checksum... ? (metadata unavailable)")
		}
		if rep.Files != nil {
			fmt.Fprintf(w, "  └─ Files...    ✗ (%v)\n", rep.Files)
			failures++
			continue
		}
		fmt.Fprintln(w, "  ├─ Files...    ✓")
		if rep.Metadata != nil {
			fmt.Fprintf(w, "  └─ Metadata... ✗ (%v)\n", rep.Metadata)
			failures++
			continue
		}
		fmt.Fprintln(w, "  ├─ Metadata... ✓")
		if err := checkModelLoads(rep.Dir); err != nil {
			fmt.Fprintf(w, "  └─ Loadable... ✗ (%v)\n", err)
			failures++
			continue
		}
		fmt.Fprintln(w, "  └─ Loadable... ✓")
	}
	if installed == 0 {
		fmt.Fprintln(w, "\nNo installed models found")
		return nil
	}
	if failures > 0 {
		return fmt.Errorf("%d model(s) failed verification", failures)
	}
	fmt.Fprintln(w, "\nAll models verified")
	return nil
}

func humanBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	const mb = 1024 * 1024
	if n >= mb {
		return fmt.Sprintf("%d MB", n/mb)
	}
	return fmt.Sprintf("%d KB", n/1024)
}
