package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/Sternrassler/risksense-client/pkg/export"
	"github.com/Sternrassler/risksense-client/pkg/jobstore"
	"github.com/Sternrassler/risksense-client/pkg/platform"
	"github.com/Sternrassler/risksense-client/pkg/report"
	"github.com/Sternrassler/risksense-client/pkg/search"
	"github.com/Sternrassler/risksense-client/pkg/subject"
)

var errNoJobStore = errors.New("export job store not configured (set redis.addr or --redis-addr)")

func searchCommand() *command {
	return &command{
		name:  "search",
		args:  "<subject>",
		short: "Fetch every record matching the filters",
		flags: func(fs *flag.FlagSet) {
			fs.String("filters", "", "JSON/JSONC file with the filter list")
			fs.Int("page-size", 0, "records per page")
			fs.Int("concurrency", 0, "pages fetched in parallel")
			fs.Float64("rps", 0, "page requests per second (0 = unpaced)")
			fs.String("projection", string(search.ProjectionDetail), "BASIC or DETAIL")
			fs.StringArray("sort", nil, "sort field as field[:ASC|DESC], repeatable")
			fs.Bool("csv", false, "write a CSV report instead of JSON lines")
			fs.StringSlice("columns", nil, "CSV columns (default: all fields)")
			fs.String("out-dir", "", "directory for the CSV report")
		},
		exec: runSearch,
	}
}

func runSearch(ctx context.Context, e *env, fs *flag.FlagSet, args []string) error {
	svc, err := serviceArg(e.platform, args)
	if err != nil {
		return err
	}
	filters, err := filtersFlag(fs)
	if err != nil {
		return err
	}
	projection, _ := fs.GetString("projection")
	sortSpecs, _ := fs.GetStringArray("sort")
	sortFields, err := parseSort(sortSpecs)
	if err != nil {
		return err
	}

	records, err := svc.Search(ctx, search.SearchOptions{
		Filters:    filters,
		Projection: search.Projection(strings.ToUpper(projection)),
		PageSize:   e.cfg.Search.PageSize,
		Sort:       sortFields,
	})
	if err != nil {
		return err
	}

	if asCSV, _ := fs.GetBool("csv"); asCSV {
		columns, _ := fs.GetStringSlice("columns")
		path := filepath.Join(e.cfg.Export.OutDir, report.FileName("search_"+svc.Subject().String()))
		if err := report.WriteCSV(path, records, columns); err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "%d records written to %s\n", len(records), path)
		return nil
	}

	for _, r := range records {
		fmt.Fprintln(e.stdout, string(r))
	}
	return nil
}

func pageInfoCommand() *command {
	return &command{
		name:  "page-info",
		args:  "<subject>",
		short: "Show how many records and pages a search matches",
		flags: func(fs *flag.FlagSet) {
			fs.String("filters", "", "JSON/JSONC file with the filter list")
			fs.Int("page-size", 0, "records per page")
		},
		exec: func(ctx context.Context, e *env, fs *flag.FlagSet, args []string) error {
			svc, err := serviceArg(e.platform, args)
			if err != nil {
				return err
			}
			filters, err := filtersFlag(fs)
			if err != nil {
				return err
			}
			info, err := svc.PageInfo(ctx, filters, e.cfg.Search.PageSize)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.stdout, "records: %d\npages:   %d (page size %d)\n", info.TotalCount, info.TotalPages, e.cfg.Search.PageSize)
			return nil
		},
	}
}

func filterFieldsCommand() *command {
	return &command{
		name:  "filter-fields",
		args:  "<subject>",
		short: "List the fields a subject can be filtered on",
		exec: func(ctx context.Context, e *env, fs *flag.FlagSet, args []string) error {
			svc, err := serviceArg(e.platform, args)
			if err != nil {
				return err
			}
			fields, err := svc.FilterFields(ctx)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(fields, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(e.stdout, string(out))
			return nil
		},
	}
}

func exportCommand() *command {
	return &command{
		name:  "export",
		args:  "<subject>",
		short: "Run an export job and unpack its archive",
		flags: func(fs *flag.FlagSet) {
			fs.String("filters", "", "JSON/JSONC file with the filter list")
			fs.String("file-name", "", "export name, used for <out-dir>/<name>.zip and <out-dir>/<name>/")
			fs.String("file-type", string(export.FileTypeCSV), "CSV or XLSX")
			fs.String("comment", "", "comment stored with the job")
			fs.String("out-dir", "", "output directory")
			fs.Duration("max-wait", 0, "give up waiting for the job after this long")
			fs.Bool("summary", false, "print a row count per extracted file")
		},
		exec: func(ctx context.Context, e *env, fs *flag.FlagSet, args []string) error {
			svc, err := serviceArg(e.platform, args)
			if err != nil {
				return err
			}
			filters, err := filtersFlag(fs)
			if err != nil {
				return err
			}
			fileName, _ := fs.GetString("file-name")
			fileType, _ := fs.GetString("file-type")
			comment, _ := fs.GetString("comment")

			dir, err := svc.Export(ctx, export.Request{
				Filters:  filters,
				FileName: fileName,
				FileType: export.FileType(strings.ToUpper(fileType)),
				Comment:  comment,
			}, e.cfg.Export.OutDir)
			if err != nil {
				return err
			}
			return printExportDir(e, fs, dir)
		},
	}
}

func exportResumeCommand() *command {
	return &command{
		name:  "export-resume",
		args:  "<job-id>",
		short: "Finish a recorded export job",
		flags: func(fs *flag.FlagSet) {
			fs.Duration("max-wait", 0, "give up waiting for the job after this long")
			fs.Bool("summary", false, "print a row count per extracted file")
		},
		exec: func(ctx context.Context, e *env, fs *flag.FlagSet, args []string) error {
			if len(args) != 1 {
				return errUsage
			}
			jobID, err := strconv.Atoi(args[0])
			if err != nil || jobID <= 0 {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			if e.store == nil {
				return errNoJobStore
			}

			rec, err := e.store.Get(ctx, e.platform.ClientID(), jobID)
			if err != nil {
				return fmt.Errorf("export job %d: %w", jobID, err)
			}
			dir, err := e.platform.Resume(ctx, rec)
			if err != nil {
				return err
			}
			return printExportDir(e, fs, dir)
		},
	}
}

func exportsCommand() *command {
	return &command{
		name:  "exports",
		short: "List recorded export jobs",
		exec: func(ctx context.Context, e *env, fs *flag.FlagSet, args []string) error {
			if e.store == nil {
				return errNoJobStore
			}
			records, err := e.store.List(ctx, e.platform.ClientID())
			if err != nil {
				return err
			}
			printJobs(e, records)
			return nil
		},
	}
}

func printJobs(e *env, records []*jobstore.JobRecord) {
	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSUBJECT\tSTATUS\tFILE\tUPDATED")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			r.JobID, r.Subject, r.Status, filepath.Join(r.OutputDir, r.FileName), r.UpdatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func printExportDir(e *env, fs *flag.FlagSet, dir string) error {
	fmt.Fprintln(e.stdout, dir)
	if summary, _ := fs.GetBool("summary"); !summary {
		return nil
	}
	artifacts, err := export.ReadArtifacts(dir)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		fmt.Fprintf(e.stdout, "  %s: %d rows, %d columns\n", a.Path, len(a.Rows), len(a.Header))
	}
	return nil
}

func serviceArg(p *platform.Platform, args []string) (*platform.Service, error) {
	if len(args) != 1 {
		return nil, errUsage
	}
	subj, err := subject.Parse(args[0])
	if err != nil {
		return nil, err
	}
	return p.Service(subj), nil
}

func filtersFlag(fs *flag.FlagSet) ([]search.Filter, error) {
	path, _ := fs.GetString("filters")
	if path == "" {
		return nil, nil
	}
	return search.LoadFilters(path)
}

// parseSort reads "field[:DIRECTION]" specs; the direction defaults to ASC.
func parseSort(specs []string) ([]search.SortField, error) {
	var fields []search.SortField
	for _, spec := range specs {
		field, dir, _ := strings.Cut(spec, ":")
		if field == "" {
			return nil, fmt.Errorf("invalid sort %q", spec)
		}
		direction := search.Ascending
		if dir != "" {
			direction = search.SortDirection(strings.ToUpper(dir))
			if direction != search.Ascending && direction != search.Descending {
				return nil, fmt.Errorf("invalid sort direction in %q", spec)
			}
		}
		fields = append(fields, search.SortField{Field: field, Direction: direction})
	}
	return fields, nil
}
