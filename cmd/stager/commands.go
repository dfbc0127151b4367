package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/stager/internal/api"
	"github.com/kalambet/stager/internal/batch"
	"github.com/kalambet/stager/internal/config"
)

// batchPath builds the API path of batch id. Ids are "<source>/<stamp>".
func batchPath(kind batch.Kind, id string) (string, error) {
	source, stamp, ok := strings.Cut(id, "/")
	if !ok || source == "" || stamp == "" || strings.Contains(stamp, "/") {
		return "", fmt.Errorf("invalid batch id %q, want <source>/<stamp>", id)
	}
	return fmt.Sprintf("/batches/%s/%s/%s", kind, url.PathEscape(source), url.PathEscape(stamp)), nil
}

func kindFlag(cmd *cobra.Command) (batch.Kind, error) {
	s, _ := cmd.Flags().GetString("kind")
	return batch.ParseKind(s)
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Upload a file and start a new import batch",
}

var importRecordsCmd = &cobra.Command{
	Use:   "records <file>",
	Short: "Stage records from a JSON array or JSON lines file",
	Long: `Stage records from a JSON array or JSON lines file.

The batch is processed in the background and then waits for review.
Confirm it with 'stager batch approve <id>'.

Example:
  stager import records --source museum --type artworks ./artworks.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		recordType, _ := cmd.Flags().GetString("type")
		if source == "" {
			return fmt.Errorf("--source is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var v api.BatchView
		err = client.upload(cmd.Context(), "/batches/records", args[0], map[string]string{
			"source": source,
			"type":   recordType,
		}, &v)
		if err != nil {
			return err
		}
		if v.State == batch.StateError {
			printError("Batch %s failed: %s", v.ID, v.ErrorMessage)
			return nil
		}
		printSuccess("Created batch %s (%d rows)", v.ID, v.Counts[string(batch.ResultUnknown)])
		return nil
	},
}

var importImagesCmd = &cobra.Command{
	Use:   "images <file.zip>",
	Short: "Import images from a zip archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		if source == "" {
			return fmt.Errorf("--source is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var v api.BatchView
		if err := client.upload(cmd.Context(), "/batches/images", args[0], map[string]string{"source": source}, &v); err != nil {
			return err
		}
		printSuccess("Created batch %s", v.ID)
		return nil
	},
}

func init() {
	importRecordsCmd.Flags().String("source", "", "source the records belong to")
	importRecordsCmd.Flags().String("type", "artworks", "record type")
	importImagesCmd.Flags().String("source", "", "source the images belong to")
	importCmd.AddCommand(importRecordsCmd)
	importCmd.AddCommand(importImagesCmd)
}

// --- batch ---

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Inspect and review import batches",
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := kindFlag(cmd)
		if err != nil {
			return err
		}
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if source != "" {
			q.Set("source", source)
		}
		var views []api.BatchView
		if err := client.getJSON(cmd.Context(), fmt.Sprintf("/batches/%s?%s", kind, q.Encode()), &views); err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Fprintln(os.Stdout, "No batches.")
			return nil
		}
		for _, v := range views {
			printBatchLine(os.Stdout, v)
		}
		return nil
	},
}

var batchShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a batch with its grouped results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := kindFlag(cmd)
		if err != nil {
			return err
		}
		path, err := batchPath(kind, args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var v api.BatchView
		if err := client.getJSON(cmd.Context(), path, &v); err != nil {
			return err
		}
		printBatchDetail(os.Stdout, v)
		return nil
	},
}

var batchApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Confirm a processed record batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transition(cmd, batch.KindRecord, args[0], "approve")
	},
}

var batchAbandonCmd = &cobra.Command{
	Use:   "abandon <id>",
	Short: "Stop a batch that has not finished",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := kindFlag(cmd)
		if err != nil {
			return err
		}
		return transition(cmd, kind, args[0], "abandon")
	},
}

func transition(cmd *cobra.Command, kind batch.Kind, id, action string) error {
	path, err := batchPath(kind, id)
	if err != nil {
		return err
	}
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var v api.BatchView
	if err := client.postJSON(cmd.Context(), path+"/"+action, &v); err != nil {
		return err
	}
	printSuccess("Batch %s is now %s", v.ID, v.State)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{batchListCmd, batchShowCmd, batchAbandonCmd} {
		c.Flags().String("kind", string(batch.KindRecord), "batch kind: record or image")
	}
	batchListCmd.Flags().String("source", "", "only batches of this source")
	batchListCmd.Flags().Int("limit", 20, "maximum number of batches")
	batchCmd.AddCommand(batchListCmd)
	batchCmd.AddCommand(batchShowCmd)
	batchCmd.AddCommand(batchApproveCmd)
	batchCmd.AddCommand(batchAbandonCmd)
}

// --- advance ---

var advanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Run one pass of every scheduler loop without the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("Advancing batches and similarity work...")
		if err := a.scheduler.RunOnce(cmd.Context()); err != nil {
			return err
		}
		printSuccess("Done")
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
