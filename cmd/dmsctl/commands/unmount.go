package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhiraj-trilio/trilio-dms/internal/config"
	"github.com/dhiraj-trilio/trilio-dms/internal/transport"
)

var unmountProbe probeFlags

var unmountCmd = &cobra.Command{
	Use:   "unmount <target-id>",
	Short: "Issue an Unmount request through the real coordinator (probe/troubleshooting)",
	Long: `unmount drives spec §4.6's reference-counted Unmount operation:
the binding's reference is dropped, and a physical unmount is only
triggered when this call releases the last remaining holder.`,
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

		result, err := coord.Unmount(context.Background(), unmountProbe.request(args[0], transport.ActionUnmount))
		if err != nil {
			return err
		}
		if result.Status != transport.StatusSuccess {
			return fmt.Errorf("unmount failed: %s", result.Message)
		}
		if result.PhysicallyUnmounted {
			fmt.Printf("Unmounted %s (no remaining references)\n", args[0])
		} else {
			fmt.Printf("Reference dropped for %s (%d remaining)\n", args[0], result.Remaining)
		}
		return nil
	},
}

func init() {
	unmountProbe.register(unmountCmd)
}
