// spotflow-device is a small CLI for exercising the device SDK against a
// platform instance: it provisions a device, sends telemetry, and reads or
// reports twin properties.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	spotflow "github.com/spotflow-io/device-sdk-go"
)

var (
	provisioningToken string
	databaseFile      string
	instanceURL       string
	deviceID          string
	logLevel          string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "spotflow-device: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spotflow-device",
		Short: "Spotflow device SDK demo client",
		Long: `spotflow-device exercises the device SDK: it provisions this machine as a
device (printing the verification code for operator approval), queues and
sends telemetry messages, and synchronizes the device twin.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&provisioningToken, "provisioning-token", "t", os.Getenv("SPOTFLOW_PROVISIONING_TOKEN"), "Provisioning token (or SPOTFLOW_PROVISIONING_TOKEN)")
	cmd.PersistentFlags().StringVar(&databaseFile, "database-file", "spotflow.db", "Path of the local SQLite database")
	cmd.PersistentFlags().StringVar(&instanceURL, "instance", "", "Platform instance URL (default "+spotflow.DefaultInstanceURL+")")
	cmd.PersistentFlags().StringVar(&deviceID, "device-id", "", "Device ID to request during provisioning")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level: DEBUG, INFO, WARN or ERROR")
	cmd.AddCommand(
		newIdentityCmd(),
		newSendCmd(),
		newTwinCmd(),
		newReceiveCmd(),
	)
	return cmd
}

func startClient() (*spotflow.Client, error) {
	return spotflow.Start(spotflow.Options{
		DeviceID:          deviceID,
		ProvisioningToken: provisioningToken,
		DatabaseFile:      databaseFile,
		InstanceURL:       instanceURL,
		LogLevel:          spotflow.LogLevel(logLevel),
		DisplayProvisioningOperation: func(op spotflow.ProvisioningOperation) {
			fmt.Printf("Provisioning operation %s awaiting approval.\n", op.ID)
			fmt.Printf("Verification code: %s (expires %s)\n", op.VerificationCode, op.ExpirationTime.Format(time.RFC3339))
		},
	})
}

// waitForDeviceID polls until provisioning finishes or the context ends.
func waitForDeviceID(ctx context.Context, client *spotflow.Client) (string, error) {
	for {
		id, err := client.DeviceID()
		if err == nil {
			return id, nil
		}
		if !spotflow.IsNotReady(err) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func newIdentityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Provision if needed and print the device identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := startClient()
			if err != nil {
				return err
			}
			defer client.Close()

			id, err := waitForDeviceID(cmd.Context(), client)
			if err != nil {
				return err
			}
			workspace, err := client.WorkspaceID()
			if err != nil {
				return err
			}
			fmt.Printf("workspace: %s\ndevice:    %s\n", workspace, id)
			return nil
		},
	}
}

func newSendCmd() *cobra.Command {
	var (
		streamGroup string
		stream      string
		batchID     string
		compress    bool
		count       int
		flush       bool
	)
	cmd := &cobra.Command{
		Use:   "send [payload]",
		Short: "Enqueue telemetry messages for upload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := "hello from spotflow-device"
			if len(args) == 1 {
				payload = args[0]
			}

			client, err := startClient()
			if err != nil {
				return err
			}
			defer client.Close()

			options := &spotflow.MessageOptions{BatchID: batchID}
			if compress {
				options.Compression = spotflow.CompressionFastest
			}
			for i := 0; i < count; i++ {
				if err := client.EnqueueMessage(streamGroup, stream, []byte(payload), options); err != nil {
					return err
				}
			}
			if batchID != "" {
				if err := client.EnqueueBatchCompletion(streamGroup, stream, batchID); err != nil {
					return err
				}
			}

			pending, err := client.PendingMessagesCount()
			if err != nil {
				return err
			}
			fmt.Printf("%d messages pending\n", pending)

			if flush {
				if err := client.WaitEnqueuedMessagesSent(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("all messages sent")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&streamGroup, "stream-group", "default", "Stream group to send into")
	cmd.Flags().StringVar(&stream, "stream", "default", "Stream to send into")
	cmd.Flags().StringVar(&batchID, "batch", "", "Batch ID; the batch is completed after the last message")
	cmd.Flags().BoolVar(&compress, "compress", false, "Compress payloads before upload")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of copies to enqueue")
	cmd.Flags().BoolVar(&flush, "flush", false, "Wait until the queue is empty before exiting")
	return cmd
}

func newReceiveCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Print cloud-to-device messages as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := startClient()
			if err != nil {
				return err
			}
			defer client.Close()

			for {
				msg, err := client.ReceiveC2DMessage(cmd.Context())
				if err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				fmt.Printf("message: %s\n", msg.Content)
				for key, value := range msg.Properties {
					fmt.Printf("  %s: %s\n", key, value)
				}
				if !follow {
					return nil
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep waiting for further messages")
	return cmd
}

func newTwinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "twin",
		Short: "Read desired properties or report properties",
	}
	cmd.AddCommand(newTwinGetCmd(), newTwinReportCmd())
	return cmd
}

func newTwinGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the current desired properties",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := startClient()
			if err != nil {
				return err
			}
			defer client.Close()

			for {
				props, err := client.DesiredProperties()
				if err == nil {
					fmt.Printf("version %d:\n%s\n", props.Version, props.Document)
					return nil
				}
				if !spotflow.IsUnavailable(err) {
					return err
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(time.Second):
				}
			}
		},
	}
}

func newTwinReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <document>",
		Short: "Report a properties document and wait for the acknowledgment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := startClient()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.UpdateReportedProperties([]byte(args[0])); err != nil {
				return err
			}
			for {
				pending, err := client.AnyPendingReportedPropertiesUpdates()
				if err != nil {
					return err
				}
				if !pending {
					fmt.Println("reported properties acknowledged")
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(500 * time.Millisecond):
				}
			}
		},
	}
}
