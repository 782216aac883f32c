package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ehr/imaging/internal/domain/imaging"
)

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <path>...",
		Short: "Ingest DICOM files or directories as one batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			uploads, total, err := collectUploads(args)
			if err != nil {
				return err
			}
			if len(uploads) == 0 {
				return fmt.Errorf("no files found")
			}

			ctx := context.Background()
			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			svc, err := newService(cfg, st.repo, nil, logger)
			if err != nil {
				return err
			}

			fmt.Printf("Ingesting %d file(s), %s\n", len(uploads), humanize.IBytes(total))
			res := svc.IngestBatch(ctx, uploads)
			renderOutcomes(os.Stdout, res)
			if res.Err != nil {
				return res.Err
			}
			return nil
		},
	}
	return cmd
}

// collectUploads reads every regular file named by paths, walking
// directories recursively. Hidden files are skipped.
func collectUploads(paths []string) ([]imaging.Upload, uint64, error) {
	var uploads []imaging.Upload
	var total uint64
	add := func(path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		uploads = append(uploads, imaging.Upload{Filename: path, Data: data})
		total += uint64(len(data))
		return nil
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, 0, err
		}
		if !info.IsDir() {
			if err := add(root); err != nil {
				return nil, 0, err
			}
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			name := d.Name()
			if path != root && len(name) > 0 && name[0] == '.' {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			return add(path)
		})
		if err != nil {
			return nil, 0, err
		}
	}
	return uploads, total, nil
}

func renderOutcomes(w io.Writer, res *imaging.BatchResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"File", "SOP Instance UID", "Series Instance UID", "Status", "Detail"})
	for _, o := range res.Outcomes {
		detail := ""
		if o.Err != nil {
			detail = o.Err.Error()
		}
		table.Append([]string{o.Filename, o.Identity.SOPInstanceUID, o.Identity.SeriesInstanceUID, string(o.Status), detail})
	}
	table.Render()

	created, updated, rejected := res.Counts()
	fmt.Fprintf(w, "created=%d updated=%d rejected=%d\n", created, updated, rejected)
	for _, n := range res.Notices {
		fmt.Fprintf(w, "notice: %s\n", n)
	}
	if res.Warnings != nil {
		fmt.Fprintf(w, "warning: %s\n", res.Warnings.Error())
	}
	if res.Err != nil {
		fmt.Fprintf(w, "transaction failed: %v\n", res.Err)
	}
}
