package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ehr/imaging/internal/platform/dicomnet"
)

func addSCUFlags(cmd *cobra.Command) {
	def := dicomnet.DefaultClientConfig()
	cmd.Flags().String("calling-ae", def.CallingAE, "Calling AE title")
	cmd.Flags().String("called-ae", def.CalledAE, "Called AE title")
	cmd.Flags().Duration("timeout", def.ReadTimeout, "Per-message response timeout")
}

func scuConfig(cmd *cobra.Command) dicomnet.ClientConfig {
	cfg := dicomnet.DefaultClientConfig()
	cfg.CallingAE, _ = cmd.Flags().GetString("calling-ae")
	cfg.CalledAE, _ = cmd.Flags().GetString("called-ae")
	cfg.ReadTimeout, _ = cmd.Flags().GetDuration("timeout")
	return cfg
}

func echoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "echo <host:port>",
		Short: "Send a C-ECHO to a DICOM node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			start := time.Now()
			client, err := dicomnet.Dial(ctx, args[0], scuConfig(cmd))
			if err != nil {
				return err
			}
			defer client.Release()

			status, err := client.Echo(ctx)
			if err != nil {
				return err
			}
			if status != dicomnet.StatusSuccess {
				return fmt.Errorf("C-ECHO returned status 0x%04x", status)
			}
			fmt.Printf("C-ECHO %s: success in %s\n", args[0], time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	addSCUFlags(cmd)
	return cmd
}

type sendFile struct {
	path    string
	meta    *dicomnet.FileMeta
	dataset []byte
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <host:port> <file|dir>...",
		Short: "Send DICOM files to a node with C-STORE",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			uploads, total, err := collectUploads(args[1:])
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"File", "Size", "SOP Instance UID", "Status"})

			var files []sendFile
			classes := map[string]struct{}{}
			for _, u := range uploads {
				meta, dataset, err := dicomnet.SplitPart10(u.Data)
				if err != nil {
					table.Append([]string{u.Filename, humanize.IBytes(uint64(len(u.Data))), "", err.Error()})
					continue
				}
				files = append(files, sendFile{path: u.Filename, meta: meta, dataset: dataset})
				classes[meta.SOPClassUID] = struct{}{}
			}

			cfg := scuConfig(cmd)
			for class := range classes {
				cfg.SOPClasses = append(cfg.SOPClasses, class)
			}
			sort.Strings(cfg.SOPClasses)

			var failed int
			if len(files) > 0 {
				ctx := context.Background()
				client, err := dicomnet.Dial(ctx, args[0], cfg)
				if err != nil {
					return err
				}
				for _, f := range files {
					status := storeFile(ctx, client, f)
					if status != "success" {
						failed++
					}
					table.Append([]string{f.path, humanize.IBytes(uint64(len(f.dataset))), f.meta.SOPInstanceUID, status})
				}
				if err := client.Release(); err != nil {
					return err
				}
			}
			failed += len(uploads) - len(files)

			table.Render()
			fmt.Printf("Sent %d file(s), %s, %d failed\n", len(uploads), humanize.IBytes(total), failed)
			if failed > 0 {
				return fmt.Errorf("%d file(s) were not stored", failed)
			}
			return nil
		},
	}
	addSCUFlags(cmd)
	return cmd
}

// storeFile sends one file and describes the outcome. Data sets are sent
// as-is, so the negotiated transfer syntax must match the file's own.
func storeFile(ctx context.Context, client *dicomnet.Client, f sendFile) string {
	ts, err := client.TransferSyntaxFor(f.meta.SOPClassUID)
	if err != nil {
		return err.Error()
	}
	if ts != f.meta.TransferSyntaxUID {
		return fmt.Sprintf("negotiated transfer syntax %s, file is %s", ts, f.meta.TransferSyntaxUID)
	}
	status, err := client.Store(ctx, f.meta.SOPClassUID, f.meta.SOPInstanceUID, f.dataset)
	if err != nil {
		return err.Error()
	}
	if status != dicomnet.StatusSuccess {
		return fmt.Sprintf("status 0x%04x", status)
	}
	return "success"
}
