package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhiraj-trilio/trilio-dms/cmd/dmsctl/adminclient"
	"github.com/dhiraj-trilio/trilio-dms/internal/cliutil/output"
	"github.com/dhiraj-trilio/trilio-dms/internal/config"
)

var mountsCmd = &cobra.Command{
	Use:   "mounts",
	Short: "Inspect and retire mount ledger bindings via the admin API",
}

// resolveAdminAddr returns the --admin-addr override, or derives
// "http://localhost:<admin_api.port>" from the loaded config when unset —
// the common case of dmsctl running alongside the node it's inspecting.
func resolveAdminAddr() (string, error) {
	if adminAddr != "" {
		return adminAddr, nil
	}
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return "", fmt.Errorf("no --admin-addr given and config could not be loaded to derive one: %w", err)
	}
	if !cfg.AdminAPI.Enabled {
		return "", fmt.Errorf("admin_api.enabled is false in config; pass --admin-addr explicitly")
	}
	return fmt.Sprintf("http://localhost:%d", cfg.AdminAPI.Port), nil
}

func newAdminClient() (*adminclient.Client, error) {
	addr, err := resolveAdminAddr()
	if err != nil {
		return nil, err
	}
	return adminclient.New(addr, adminToken), nil
}

var (
	mountsListHost     string
	mountsListTargetID string
)

var mountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List currently active mount bindings",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient()
		if err != nil {
			return err
		}
		entries, err := client.ListActive(context.Background(), mountsListHost, mountsListTargetID)
		if err != nil {
			return err
		}
		return printEntries(entries)
	},
}

var (
	mountsStatusJobID int64
	mountsStatusHost  string
)

var mountsStatusCmd = &cobra.Command{
	Use:   "status <target-id>",
	Short: "Show the ledger status of one (job, target, host) binding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient()
		if err != nil {
			return err
		}
		entry, err := client.Status(context.Background(), args[0], mountsStatusJobID, mountsStatusHost)
		if err != nil {
			return err
		}
		return printEntries([]map[string]any{entry})
	},
}

var mountsHistoryLimit int

var mountsHistoryCmd = &cobra.Command{
	Use:   "history <target-id>",
	Short: "Show the ledger history of a backup target, including soft-deleted rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient()
		if err != nil {
			return err
		}
		entries, err := client.History(context.Background(), args[0], mountsHistoryLimit)
		if err != nil {
			return err
		}
		return printEntries(entries)
	},
}

var (
	mountsDeleteJobID int64
	mountsDeleteHost  string
)

var mountsDeleteCmd = &cobra.Command{
	Use:   "delete <target-id>",
	Short: "Soft-delete a ledger binding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient()
		if err != nil {
			return err
		}
		if err := client.SoftDelete(context.Background(), args[0], mountsDeleteJobID, mountsDeleteHost); err != nil {
			return err
		}
		fmt.Printf("Soft-deleted ledger entry for target %s\n", args[0])
		return nil
	},
}

// entryTable adapts a slice of raw ledger entry maps (as returned by the
// admin API) to output.TableRenderer for table rendering.
type entryTable []map[string]any

func (t entryTable) Headers() []string {
	return []string{"JOB_ID", "TARGET_ID", "HOST", "MOUNTED", "STATUS", "MOUNT_PATH", "UPDATED_AT"}
}

func (t entryTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, e := range t {
		rows = append(rows, []string{
			fmt.Sprint(e["JobID"]),
			fmt.Sprint(e["BackupTargetID"]),
			fmt.Sprint(e["Host"]),
			fmt.Sprint(e["Mounted"]),
			fmt.Sprint(e["StatusLast"]),
			fmt.Sprint(e["MountPath"]),
			fmt.Sprint(e["UpdatedAt"]),
		})
	}
	return rows
}

func printEntries(entries []map[string]any) error {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, entries)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, entries)
	default:
		return output.PrintTable(os.Stdout, entryTable(entries))
	}
}

func init() {
	mountsListCmd.Flags().StringVar(&mountsListHost, "host", "", "filter by host")
	mountsListCmd.Flags().StringVar(&mountsListTargetID, "target-id", "", "filter by backup target id")

	mountsStatusCmd.Flags().Int64Var(&mountsStatusJobID, "job-id", 0, "job id (required)")
	mountsStatusCmd.Flags().StringVar(&mountsStatusHost, "host", "", "host (required)")
	_ = mountsStatusCmd.MarkFlagRequired("job-id")
	_ = mountsStatusCmd.MarkFlagRequired("host")

	mountsHistoryCmd.Flags().IntVar(&mountsHistoryLimit, "limit", 100, "maximum rows to return")

	mountsDeleteCmd.Flags().Int64Var(&mountsDeleteJobID, "job-id", 0, "job id (required)")
	mountsDeleteCmd.Flags().StringVar(&mountsDeleteHost, "host", "", "host (required)")
	_ = mountsDeleteCmd.MarkFlagRequired("job-id")
	_ = mountsDeleteCmd.MarkFlagRequired("host")

	mountsCmd.AddCommand(mountsListCmd)
	mountsCmd.AddCommand(mountsStatusCmd)
	mountsCmd.AddCommand(mountsHistoryCmd)
	mountsCmd.AddCommand(mountsDeleteCmd)
}
