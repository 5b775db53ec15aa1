package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"ipranges/internal/atomicfile"
	"ipranges/internal/config"
	"ipranges/internal/notes"
	"ipranges/internal/ranges"
	"ipranges/internal/snapshot"
	"ipranges/internal/support"
)

const stdoutPath = "-"

func newFetchCommand(env *environment) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "fetch <source>...",
		Short: "Download, validate and store range documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out != "" && len(args) > 1 {
				return errors.New("--out can only be used with a single source")
			}

			sources, err := env.resolveSources(args)
			if err != nil {
				return err
			}

			for _, src := range sources {
				dest := src.DocumentPath
				if out != "" {
					dest = out
				}
				if _, err := env.fetchDocument(cmd.Context(), src, dest); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Destination file (default: the source's document_path)")
	return cmd
}

func newExportCommand(env *environment) *cobra.Command {
	var (
		in     string
		out    string
		sorted bool
	)

	cmd := &cobra.Command{
		Use:   "export <source>",
		Short: "Write the CIDR list of a stored range document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := env.resolveSources(args)
			if err != nil {
				return err
			}
			src := sources[0]

			if in == "" {
				in = src.DocumentPath
			}
			if out == "" {
				out = src.CIDRPath
			}

			data, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("read %s document: %w", src.Name, err)
			}
			doc, err := ranges.Decode(data)
			if err != nil {
				return fmt.Errorf("parse %s: %w", in, err)
			}

			_, err = env.exportCIDRs(src, doc, out, sorted)
			return err
		},
	}

	cmd.Flags().StringVarP(&in, "in", "i", "", "Range document to read (default: the source's document_path)")
	cmd.Flags().StringVarP(&out, "out", "o", "", `Destination file, "-" for stdout (default: the source's cidr_path)`)
	cmd.Flags().BoolVar(&sorted, "sort", false, "Sort IPv4 before IPv6 and by address instead of document order")
	return cmd
}

func newCheckCommand(env *environment) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compare remote ETag/Last-Modified with the stored snapshot",
		Long: `check issues a HEAD request per source, persists the fingerprints and prints
changed=true or changed=false on stdout. A failed request counts as a change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out != "" {
				env.cfg.Check.SnapshotPath = out
			}
			res, err := env.check(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(env.stdout, "changed=%t\n", res.Changed)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Snapshot file (default: check.snapshot_path)")
	return cmd
}

func newNotesCommand(env *environment) *cobra.Command {
	var (
		out      string
		previous string
	)

	cmd := &cobra.Command{
		Use:   "notes",
		Short: "Render release notes for the exported CIDR lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				out = env.cfg.Notes.Path
			}
			if previous == "" {
				previous = env.cfg.Notes.PreviousDir
			}
			return env.writeNotes(out, previous)
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", `Destination file, "-" for stdout (default: notes.path)`)
	cmd.Flags().StringVar(&previous, "previous", "", "Directory with the CIDR files of the previous release")
	return cmd
}

func newSyncCommand(env *environment) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Check for updates and refresh every source when something changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return env.withSyncLock(cmd.Context(), func(ctx context.Context) error {
				return env.sync(ctx, force)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", support.GetEnvBool("IPRANGES_FORCE", false), "Refresh even when the remote metadata is unchanged")
	return cmd
}

func (e *environment) sync(ctx context.Context, force bool) error {
	res, err := e.check(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "changed=%t\n", res.Changed)

	if !res.Changed && !force {
		log.Info("Remote documents unchanged, nothing to do")
		return nil
	}

	if err := e.refresh(ctx); err != nil {
		// the new fingerprints were saved by the check; put the old baseline
		// back so the next sync still sees the change
		if restoreErr := snapshot.Restore(e.cfg.Check.SnapshotPath, res.Previous); restoreErr != nil {
			log.Error("Restoring snapshot failed", "path", e.cfg.Check.SnapshotPath, "error", restoreErr)
			return errors.Join(err, restoreErr)
		}
		log.Warn("Sync failed, snapshot restored", "path", e.cfg.Check.SnapshotPath, "first_run", res.FirstRun)
		return err
	}
	return nil
}

func (e *environment) refresh(ctx context.Context) error {
	for _, src := range e.cfg.Sources {
		doc, err := e.fetchDocument(ctx, src, src.DocumentPath)
		if err != nil {
			return err
		}
		if _, err := e.exportCIDRs(src, doc, src.CIDRPath, false); err != nil {
			return err
		}
	}

	return e.writeNotes(e.cfg.Notes.Path, e.cfg.Notes.PreviousDir)
}

func (e *environment) resolveSources(names []string) ([]config.Source, error) {
	sources := make([]config.Source, 0, len(names))
	for _, name := range names {
		src, ok := e.cfg.FindSource(name)
		if !ok {
			return nil, fmt.Errorf("unknown source %q (known: %s)", name, strings.Join(e.cfg.SourceNames(), ", "))
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// fetchDocument downloads src and writes the validated document to dest as
// indented JSON.
func (e *environment) fetchDocument(ctx context.Context, src config.Source, dest string) (any, error) {
	client := e.newClient(e.cfg.FetchTimeout())

	_, doc, err := client.FetchJSON(ctx, src.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src.Name, err)
	}
	if err := atomicfile.WriteJSON(dest, doc); err != nil {
		return nil, err
	}

	header := ranges.ReadHeader(doc)
	log.Info("Fetched range document",
		"source", src.Name,
		"path", dest,
		"sync_token", header.SyncToken,
		"creation_time", header.CreationTime)
	return doc, nil
}

func (e *environment) exportCIDRs(src config.Source, doc any, dest string, sorted bool) ([]string, error) {
	cidrs := ranges.ExtractCIDRs(doc)
	if sorted {
		cidrs = ranges.SortCIDRs(cidrs)
	}
	e.metrics.ObserveCIDRs(src.Name, len(cidrs))

	text := strings.Join(cidrs, "\n")
	if dest == stdoutPath {
		if len(cidrs) == 0 {
			return cidrs, nil
		}
		if _, err := e.stdout.Write(atomicfile.NormalizeText(text)); err != nil {
			return nil, fmt.Errorf("write CIDR list: %w", err)
		}
		return cidrs, nil
	}

	if err := atomicfile.WriteText(dest, text); err != nil {
		return nil, err
	}

	v4, v6 := ranges.CountFamilies(cidrs)
	log.Info("Exported CIDR list", "source", src.Name, "path", dest, "cidrs", len(cidrs), "ipv4", v4, "ipv6", v6)
	return cidrs, nil
}

func (e *environment) check(ctx context.Context) (snapshot.Result, error) {
	client := e.newClient(e.cfg.CheckTimeout())
	detector := snapshot.NewDetector(client, e.cfg.Sources, e.cfg.Check.SnapshotPath)

	res, err := detector.Check(ctx)
	if err != nil {
		return res, err
	}

	e.metrics.ObserveCheck(res.Changed, e.cfg.SourceNames(), res.Failed)
	e.publish(ctx, res)

	log.Info("Remote check complete",
		"changed", res.Changed,
		"first_run", res.FirstRun,
		"failed", len(res.Failed),
		"snapshot", e.cfg.Check.SnapshotPath)
	return res, nil
}

func (e *environment) writeNotes(dest, previousDir string) error {
	in, err := notes.Collect(notes.Options{
		Sources:      e.cfg.Sources,
		SnapshotPath: e.cfg.Check.SnapshotPath,
		PreviousDir:  previousDir,
	})
	if err != nil {
		return err
	}
	text := notes.Generate(in)

	if dest == stdoutPath {
		_, err := e.stdout.Write(atomicfile.NormalizeText(text))
		return err
	}
	if err := atomicfile.WriteText(dest, text); err != nil {
		return err
	}
	log.Info("Release notes written", "path", dest)
	return nil
}
