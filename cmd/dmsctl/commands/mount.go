package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhiraj-trilio/trilio-dms/internal/config"
	"github.com/dhiraj-trilio/trilio-dms/internal/ledger"
	"github.com/dhiraj-trilio/trilio-dms/internal/lockgate"
	"github.com/dhiraj-trilio/trilio-dms/internal/transport"
	"github.com/dhiraj-trilio/trilio-dms/pkg/coordinator"
)

// probeFlags are the request fields common to the mount and unmount probe
// subcommands. Unlike "mounts" (which reads the ledger through the admin
// HTTP API), these commands embed the coordinator directly — the same way
// a backup job process would — since spec §3/§9 treats mount/unmount as
// client-side operations the ledger's owner performs, never the server.
type probeFlags struct {
	jobID        int64
	host         string
	targetType   string
	export       string
	mountPath    string
	secretRef    string
	nfsMountOpts string
	token        string
}

func (f *probeFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.jobID, "job-id", 0, "job id (required)")
	cmd.Flags().StringVar(&f.host, "host", "", "target host (required)")
	cmd.Flags().StringVar(&f.targetType, "type", "s3", "backup target type: s3 or nfs")
	cmd.Flags().StringVar(&f.export, "export", "", "NFS export, host:/path (required for type=nfs)")
	cmd.Flags().StringVar(&f.mountPath, "mount-path", "", "absolute mount point (required)")
	cmd.Flags().StringVar(&f.secretRef, "secret-ref", "", "secret reference (required for type=s3)")
	cmd.Flags().StringVar(&f.nfsMountOpts, "nfs-opts", "", "comma-separated NFS mount options")
	cmd.Flags().StringVar(&f.token, "probe-token", "", "bearer token forwarded to the secret/identity services")
	_ = cmd.MarkFlagRequired("job-id")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("mount-path")
}

func (f *probeFlags) request(targetID string, action transport.Operation) *transport.MountRequest {
	return &transport.MountRequest{
		Token:  f.token,
		Job:    transport.JobRef{ID: f.jobID, Action: string(action)},
		Host:   f.host,
		Action: action,
		BackupTarget: transport.BackupTarget{
			ID:                        targetID,
			Type:                      transport.TargetType(f.targetType),
			FilesystemExport:          f.export,
			FilesystemExportMountPath: f.mountPath,
			SecretRef:                 f.secretRef,
			NFSMountOpts:              f.nfsMountOpts,
			Status:                    "available",
		},
	}
}

// buildProbeCoordinator wires a throwaway Coordinator over the real lock
// gate, ledger, and RPC client described by the loaded config — the exact
// dependency set a backup job's own process would construct around
// pkg/coordinator.New.
func buildProbeCoordinator(cfg *config.Config) (*coordinator.Coordinator, func(), error) {
	lock, err := lockgate.New(cfg.Lock.Dir, lockgate.DefaultKey, cfg.Lock.PollInterval)
	if err != nil {
		return nil, nil, err
	}

	ledgerCfg, err := ledger.ParseURL(cfg.Ledger.URL)
	if err != nil {
		return nil, nil, err
	}
	store, err := ledger.New(ledgerCfg)
	if err != nil {
		return nil, nil, err
	}

	client, err := transport.NewClient(&cfg.Broker)
	if err != nil {
		return nil, nil, err
	}

	coord := coordinator.New(lock, cfg.Lock.Timeout, store, client, cfg.Broker.RPCTimeout)
	cleanup := func() { _ = client.Close() }
	return coord, cleanup, nil
}

var mountProbe probeFlags

var mountCmd = &cobra.Command{
	Use:   "mount <target-id>",
	Short: "Issue a Mount request through the real coordinator (probe/troubleshooting)",
	Long: `mount drives spec §4.6's Mount operation exactly as an embedding
backup job would: acquire the host lock, record a pending ledger row,
call the target host over the broker, and record the outcome.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.MustLoad(GetConfigFile())
		if err != nil {
			return err
		}
		coord, cleanup, err := buildProbeCoordinator(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		resp, err := coord.Mount(context.Background(), mountProbe.request(args[0], transport.ActionMount))
		if err != nil {
			return err
		}
		if resp.Status != transport.StatusSuccess {
			return fmt.Errorf("mount failed: %s", resp.ErrorMsg)
		}
		fmt.Printf("Mounted %s at %s\n", args[0], resp.MountPath)
		return nil
	},
}

func init() {
	mountProbe.register(mountCmd)
}
